// Package store is the persistence gateway for users, contacts and call
// records. Callers treat every method as an atomic, fallible remote call and
// bound it with a context timeout; nothing here blocks indefinitely.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminalCall guards the audit trail: rows in ended, rejected or
	// missed state are immutable at the durable layer too, independent of
	// the in-memory state machine.
	ErrTerminalCall = errors.New("call already in terminal state")
)

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	Status       string    `json:"status"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CallRecord is the durable row spanning a call's full lifecycle.
// AnsweredTime is set when the call enters answered; duration is measured
// from it, never from StartTime, so ring time is excluded.
type CallRecord struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"caller_id"`
	ReceiverID      string     `json:"receiver_id"`
	CallType        string     `json:"call_type"`
	Status          string     `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	AnsweredTime    *time.Time `json:"answered_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds int        `json:"duration"`
}

// CallUpdate carries the fields of a single status transition. Nil pointers
// leave the column untouched.
type CallUpdate struct {
	Status          string
	AnsweredTime    *time.Time
	EndTime         *time.Time
	DurationSeconds *int
}

// CallHistoryEntry joins a call record with both participants' summaries.
type CallHistoryEntry struct {
	CallRecord
	CallerUsername   string `json:"caller_username"`
	CallerName       string `json:"caller_name"`
	ReceiverUsername string `json:"receiver_username"`
	ReceiverName     string `json:"receiver_name"`
}

// Page is the pagination envelope returned alongside history listings.
type Page struct {
	CurrentPage int  `json:"currentPage"`
	TotalPages  int  `json:"totalPages"`
	Total       int  `json:"total"`
	HasMore     bool `json:"hasMore"`
}

type CallStats struct {
	TotalCalls           int `json:"total_calls"`
	AnsweredCalls        int `json:"answered_calls"`
	MissedCalls          int `json:"missed_calls"`
	RejectedCalls        int `json:"rejected_calls"`
	TotalDurationSeconds int `json:"total_duration"`
	OutgoingCalls        int `json:"outgoing_calls"`
	IncomingCalls        int `json:"incoming_calls"`
}

// ContactEntry is a contact edge joined with the contact's user summary.
type ContactEntry struct {
	UserID    string `json:"user_id"`
	Nickname  string `json:"nickname,omitempty"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Status    string `json:"status"`
}

type Store interface {
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	UpdateUserStatus(ctx context.Context, id, status string) error

	// ListContacts returns ids the user has added; ListReverseContacts
	// returns ids of users who added this user. The presence fan-out set is
	// the union of both.
	ListContacts(ctx context.Context, userID string) ([]string, error)
	ListReverseContacts(ctx context.Context, userID string) ([]string, error)
	ListContactDetails(ctx context.Context, userID string) ([]ContactEntry, error)

	// CreateCall persists a new record and assigns its globally unique id.
	CreateCall(ctx context.Context, callerID, receiverID, callType, status string) (CallRecord, error)
	UpdateCallStatus(ctx context.Context, callID string, upd CallUpdate) error
	GetCall(ctx context.Context, callID string) (CallRecord, error)

	ListCallHistory(ctx context.Context, userID string, page, limit int) ([]CallHistoryEntry, Page, error)
	ListActiveCalls(ctx context.Context, userID string) ([]CallRecord, error)
	CallStats(ctx context.Context, userID string) (CallStats, error)
}

func isTerminalStatus(s string) bool {
	switch s {
	case "ended", "rejected", "missed":
		return true
	default:
		return false
	}
}
