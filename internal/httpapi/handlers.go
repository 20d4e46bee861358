// Package httpapi is the REST surface: login, call history and stats,
// contacts, and out-of-band call status updates. Handlers stay thin:
// parse/validate input, call internal services, return JSON.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/store"
)

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Auth  *auth.Manager
	Store store.Store
	Calls *calls.Service
}

// --- Auth ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks credentials against the stored bcrypt hash and issues an
// access token.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Username == "" || req.Password == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	user, err := h.Store.GetUserByUsername(c.Request.Context(), req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if !passwordMatches(user.PasswordHash, req.Password) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	tok, err := h.Auth.Issue(time.Now(), user.ID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok, "user": user})
}

func passwordMatches(storedHash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// HashPassword produces the credential format Login verifies against.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// --- Calls ---

func (h Handlers) CallHistory(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page := intQuery(c, "page", 1)
	limit := intQuery(c, "limit", 20)

	entries, meta, err := h.Store.ListCallHistory(c.Request.Context(), userID, page, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": entries, "pagination": meta})
}

func (h Handlers) ActiveCalls(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	recs, err := h.Store.ListActiveCalls(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (h Handlers) CallStats(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stats, err := h.Store.CallStats(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stats lookup failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type updateCallStatusRequest struct {
	Status string `json:"status"`
}

// UpdateCallStatus applies a transition to a stored call outside the
// signaling path, e.g. a client marking an unanswered call as missed after
// its local ring timeout.
func (h Handlers) UpdateCallStatus(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	callID := c.Param("id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id required"})
		return
	}

	var req updateCallStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}

	err = h.Calls.UpdateStatusREST(c.Request.Context(), userID, callID, calls.Status(req.Status))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": callID, "status": req.Status})
	case errors.Is(err, calls.ErrInvalidCall):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found or transition not allowed"})
	case errors.Is(err, calls.ErrUnauthorized):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not a participant of this call"})
	case errors.Is(err, calls.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call is live; use the signaling connection"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
	}
}

// --- Contacts ---

func (h Handlers) Contacts(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	entries, err := h.Store.ListContactDetails(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "contacts lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": entries})
}

// --- Me ---

func (h Handlers) Me(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	user, err := h.Store.GetUser(c.Request.Context(), userID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
