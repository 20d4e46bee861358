package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory Store for tests and early development. Fault
// injection fields let tests exercise persistence-failure paths.
type Memory struct {
	mu sync.Mutex

	Users    map[string]User
	Contacts []contactEdge
	Calls    map[string]CallRecord

	// When set, the corresponding method returns the error.
	FailCreateCall error
	FailUpdateCall error
	FailContacts   error

	Clock func() time.Time
}

type contactEdge struct {
	UserID        string
	ContactUserID string
	Nickname      string
}

func NewMemory() *Memory {
	return &Memory{
		Users: make(map[string]User),
		Calls: make(map[string]CallRecord),
		Clock: time.Now,
	}
}

// AddUser seeds a user for tests.
func (m *Memory) AddUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.Clock()
	}
	m.Users[u.ID] = u
}

// AddContact seeds a directed contact edge for tests.
func (m *Memory) AddContact(userID, contactUserID, nickname string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contacts = append(m.Contacts, contactEdge{UserID: userID, ContactUserID: contactUserID, Nickname: nickname})
}

func (m *Memory) GetUser(ctx context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Username == username {
			return u, nil
		}
	}
	return User{}, ErrNotFound
}

func (m *Memory) UpdateUserStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	m.Users[id] = u
	return nil
}

func (m *Memory) ListContacts(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailContacts != nil {
		return nil, m.FailContacts
	}
	out := make([]string, 0)
	for _, e := range m.Contacts {
		if e.UserID == userID {
			out = append(out, e.ContactUserID)
		}
	}
	return out, nil
}

func (m *Memory) ListReverseContacts(ctx context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailContacts != nil {
		return nil, m.FailContacts
	}
	out := make([]string, 0)
	for _, e := range m.Contacts {
		if e.ContactUserID == userID {
			out = append(out, e.UserID)
		}
	}
	return out, nil
}

func (m *Memory) ListContactDetails(ctx context.Context, userID string) ([]ContactEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailContacts != nil {
		return nil, m.FailContacts
	}
	out := make([]ContactEntry, 0)
	for _, e := range m.Contacts {
		if e.UserID != userID {
			continue
		}
		u := m.Users[e.ContactUserID]
		out = append(out, ContactEntry{
			UserID:    e.ContactUserID,
			Nickname:  e.Nickname,
			Username:  u.Username,
			FullName:  u.FullName,
			AvatarURL: u.AvatarURL,
			Status:    u.Status,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *Memory) CreateCall(ctx context.Context, callerID, receiverID, callType, status string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateCall != nil {
		return CallRecord{}, m.FailCreateCall
	}
	rec := CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     status,
		StartTime:  m.Clock(),
	}
	m.Calls[rec.ID] = rec
	return rec, nil
}

func (m *Memory) UpdateCallStatus(ctx context.Context, callID string, upd CallUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpdateCall != nil {
		return m.FailUpdateCall
	}
	rec, ok := m.Calls[callID]
	if !ok {
		return ErrNotFound
	}
	if isTerminalStatus(rec.Status) {
		return ErrTerminalCall
	}
	rec.Status = upd.Status
	if upd.AnsweredTime != nil {
		t := *upd.AnsweredTime
		rec.AnsweredTime = &t
	}
	if upd.EndTime != nil {
		t := *upd.EndTime
		rec.EndTime = &t
	}
	if upd.DurationSeconds != nil {
		rec.DurationSeconds = *upd.DurationSeconds
	}
	m.Calls[callID] = rec
	return nil
}

func (m *Memory) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Calls[callID]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) ListCallHistory(ctx context.Context, userID string, page, limit int) ([]CallHistoryEntry, Page, error) {
	page, limit = normalizePage(page, limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	involved := make([]CallRecord, 0)
	for _, rec := range m.Calls {
		if rec.CallerID == userID || rec.ReceiverID == userID {
			involved = append(involved, rec)
		}
	}
	sort.Slice(involved, func(i, j int) bool { return involved[i].StartTime.After(involved[j].StartTime) })

	total := len(involved)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]CallHistoryEntry, 0, end-start)
	for _, rec := range involved[start:end] {
		caller := m.Users[rec.CallerID]
		receiver := m.Users[rec.ReceiverID]
		out = append(out, CallHistoryEntry{
			CallRecord:       rec,
			CallerUsername:   caller.Username,
			CallerName:       caller.FullName,
			ReceiverUsername: receiver.Username,
			ReceiverName:     receiver.FullName,
		})
	}
	return out, newPage(page, limit, total), nil
}

func (m *Memory) ListActiveCalls(ctx context.Context, userID string) ([]CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, 0)
	for _, rec := range m.Calls {
		if rec.CallerID != userID && rec.ReceiverID != userID {
			continue
		}
		if isTerminalStatus(rec.Status) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *Memory) CallStats(ctx context.Context, userID string) (CallStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s CallStats
	for _, rec := range m.Calls {
		if rec.CallerID != userID && rec.ReceiverID != userID {
			continue
		}
		s.TotalCalls++
		switch {
		case rec.Status == "answered", rec.Status == "ended" && rec.DurationSeconds > 0:
			s.AnsweredCalls++
		case rec.Status == "missed":
			s.MissedCalls++
		case rec.Status == "rejected":
			s.RejectedCalls++
		}
		s.TotalDurationSeconds += rec.DurationSeconds
		if rec.CallerID == userID {
			s.OutgoingCalls++
		}
		if rec.ReceiverID == userID {
			s.IncomingCalls++
		}
	}
	return s, nil
}

var _ Store = (*Memory)(nil)
var _ Store = (*Postgres)(nil)
