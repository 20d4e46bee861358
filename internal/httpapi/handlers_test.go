package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"callgrid/internal/auth"
	"callgrid/internal/calls"
	"callgrid/internal/config"
	"callgrid/internal/session"
	"callgrid/internal/store"
)

type apiFixture struct {
	t   *testing.T
	r   *gin.Engine
	am  *auth.Manager
	st  *store.Memory
	svc *calls.Service
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return h
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	st.AddUser(store.User{ID: "a", Username: "alice", FullName: "Alice A", PasswordHash: mustHash(t, "alice-pw")})
	st.AddUser(store.User{ID: "b", Username: "bob", FullName: "Bob B", PasswordHash: mustHash(t, "bob-pw")})
	st.AddContact("a", "b", "bobby")

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	reg := session.NewRegistry()
	svc := calls.NewService(st, reg, slog.Default(), config.CallsConfig{PersistTimeout: time.Second})

	h := Handlers{Auth: am, Store: st, Calls: svc}
	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	v1 := r.Group("/v1", auth.RequireAccessToken(am))
	{
		v1.GET("/me", h.Me)
		v1.GET("/contacts", h.Contacts)
		v1.GET("/calls/history", h.CallHistory)
		v1.GET("/calls/active", h.ActiveCalls)
		v1.GET("/calls/stats", h.CallStats)
		v1.PUT("/calls/:id/status", h.UpdateCallStatus)
	}

	return &apiFixture{t: t, r: r, am: am, st: st, svc: svc}
}

func (f *apiFixture) request(method, path, userID string, body any) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := f.am.Issue(time.Now(), userID)
		if err != nil {
			f.t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %s: %v", w.Body.String(), err)
	}
}

func TestLogin(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(http.MethodPost, "/v1/auth/login", "", loginRequest{Username: "alice", Password: "alice-pw"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string     `json:"access_token"`
		User        store.User `json:"user"`
	}
	decodeBody(t, w, &resp)
	if resp.AccessToken == "" || resp.User.ID != "a" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	claims, err := f.am.Verify(resp.AccessToken, time.Now())
	if err != nil || claims.UserID != "a" {
		t.Fatalf("issued token does not verify: %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)

	for _, req := range []loginRequest{
		{Username: "alice", Password: "wrong"},
		{Username: "nobody", Password: "alice-pw"},
	} {
		w := f.request(http.MethodPost, "/v1/auth/login", "", req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("login %+v: status = %d, want 401", req, w.Code)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/v1/me", "/v1/contacts", "/v1/calls/history", "/v1/calls/stats"} {
		w := f.request(http.MethodGet, path, "", nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status = %d, want 401", path, w.Code)
		}
	}
}

func TestMe(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(http.MethodGet, "/v1/me", "a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var u store.User
	decodeBody(t, w, &u)
	if u.ID != "a" || u.Username != "alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestContacts(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(http.MethodGet, "/v1/contacts", "a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Contacts []store.ContactEntry `json:"contacts"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Contacts) != 1 || resp.Contacts[0].UserID != "b" || resp.Contacts[0].Nickname != "bobby" {
		t.Fatalf("unexpected contacts: %+v", resp.Contacts)
	}
}

func TestCallHistoryPagination(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.st.CreateCall(ctx, "a", "b", "voice", "ended"); err != nil {
			t.Fatalf("seed call: %v", err)
		}
	}

	w := f.request(http.MethodGet, "/v1/calls/history?page=2&limit=2", "a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Calls      []store.CallHistoryEntry `json:"calls"`
		Pagination store.Page               `json:"pagination"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Calls) != 2 {
		t.Fatalf("page 2 with limit 2 should hold 2 calls, got %d", len(resp.Calls))
	}
	if resp.Pagination.CurrentPage != 2 || resp.Pagination.TotalPages != 3 || resp.Pagination.Total != 5 || !resp.Pagination.HasMore {
		t.Fatalf("unexpected pagination: %+v", resp.Pagination)
	}
}

func TestCallStats(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	if _, err := f.st.CreateCall(ctx, "a", "b", "voice", "missed"); err != nil {
		t.Fatalf("seed call: %v", err)
	}
	if _, err := f.st.CreateCall(ctx, "b", "a", "video", "rejected"); err != nil {
		t.Fatalf("seed call: %v", err)
	}

	w := f.request(http.MethodGet, "/v1/calls/stats", "a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var stats store.CallStats
	decodeBody(t, w, &stats)
	if stats.TotalCalls != 2 || stats.MissedCalls != 1 || stats.RejectedCalls != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OutgoingCalls != 1 || stats.IncomingCalls != 1 {
		t.Fatalf("unexpected direction split: %+v", stats)
	}
}

func TestUpdateCallStatus(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	rec, err := f.st.CreateCall(ctx, "a", "b", "voice", "ringing")
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}

	w := f.request(http.MethodPut, "/v1/calls/"+rec.ID+"/status", "b", updateCallStatusRequest{Status: "missed"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	got, err := f.st.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatalf("reload call: %v", err)
	}
	if got.Status != "missed" || got.EndTime == nil {
		t.Fatalf("call not marked missed: %+v", got)
	}
}

func TestUpdateCallStatusRefusals(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	rec, err := f.st.CreateCall(ctx, "a", "b", "voice", "ended")
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}

	// Terminal records reject further transitions.
	w := f.request(http.MethodPut, "/v1/calls/"+rec.ID+"/status", "a", updateCallStatusRequest{Status: "missed"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("terminal transition: status = %d, want 404", w.Code)
	}

	// Outsiders cannot touch the record.
	live, err := f.st.CreateCall(ctx, "a", "b", "voice", "ringing")
	if err != nil {
		t.Fatalf("seed call: %v", err)
	}
	w = f.request(http.MethodPut, "/v1/calls/"+live.ID+"/status", "outsider", updateCallStatusRequest{Status: "missed"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider transition: status = %d, want 403", w.Code)
	}

	// Unknown call ids map to 404.
	w = f.request(http.MethodPut, "/v1/calls/nope/status", "a", updateCallStatusRequest{Status: "missed"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown call: status = %d, want 404", w.Code)
	}
}
