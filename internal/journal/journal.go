// Package journal keeps an audit trail of broadcast session lifecycle events.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"livecall/internal/models"
)

// Kind classifies a journal entry.
type Kind string

const (
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindRejoin    Kind = "rejoin"
	KindLiveness  Kind = "liveness"
	KindDiscarded Kind = "discarded"
)

// DefaultLimit caps Recent when callers pass a non-positive limit.
const DefaultLimit = 100

// ErrUnavailable is returned when the journal backend is not reachable.
var ErrUnavailable = errors.New("journal unavailable")

// Entry records one lifecycle event of a session.
type Entry struct {
	SessionID string        `json:"sessionId"`
	CallID    int64         `json:"callId,string"`
	ChatID    models.ChatID `json:"chatId"`
	Kind      Kind          `json:"kind"`
	Detail    string        `json:"detail,omitempty"`
	SSRC      int32         `json:"ssrc"`
	At        time.Time     `json:"at"`
}

// Journal persists entries and returns the most recent ones, newest first.
// A zero callID in Recent matches every call.
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, callID int64, limit int) ([]Entry, error)
}

// NewSessionID returns a fresh identifier for one join of a call.
func NewSessionID() string {
	return uuid.NewString()
}

func normalize(entry Entry) Entry {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	} else {
		entry.At = entry.At.UTC()
	}
	return entry
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
