// Package presence broadcasts availability changes to the contact graph.
package presence

import "errors"

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusBusy    = "busy"
	StatusAway    = "away"
)

var ErrInvalidStatus = errors.New("invalid status")

func ValidStatus(s string) bool {
	switch s {
	case StatusOnline, StatusOffline, StatusBusy, StatusAway:
		return true
	default:
		return false
	}
}

// EventContactStatus is delivered to each member of the fan-out set.
const EventContactStatus = "contact:status"

type StatusEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}
