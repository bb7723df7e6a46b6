package calls

import (
	"fmt"
	"strings"
	"sync"

	"livecall/internal/models"
)

// State is the presentation state of a broadcast session.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateBuffering  State = "BUFFERING"
	StatePlaying    State = "PLAYING"
	StateClosed     State = "CLOSED"
)

// ParseState accepts a state name in any case.
func ParseState(value string) (State, error) {
	switch State(strings.ToUpper(strings.TrimSpace(value))) {
	case StateConnecting:
		return StateConnecting, nil
	case StateBuffering:
		return StateBuffering, nil
	case StatePlaying:
		return StatePlaying, nil
	case StateClosed:
		return StateClosed, nil
	}
	return "", fmt.Errorf("unknown call state %q", value)
}

func (s State) String() string {
	return string(s)
}

type recordParams struct {
	chatID    models.ChatID
	peerID    models.PeerID
	call      models.GroupCall
	inputCall models.InputGroupCall
	ssrc      int32
	admin     bool
	sessionID string
}

// Record is one membership in a live broadcast. Only the Controller creates
// records; a record is current until the controller replaces or clears it.
type Record struct {
	chatID    models.ChatID
	peerID    models.PeerID
	inputCall models.InputGroupCall
	admin     bool
	sessionID string

	mu            sync.RWMutex
	call          models.GroupCall
	ssrc          int32
	pip           bool
	lastKnownTime string
	state         State

	stateEvents emitter[State]
}

func newRecord(p recordParams) *Record {
	return &Record{
		chatID:        p.chatID,
		peerID:        p.peerID,
		inputCall:     p.inputCall,
		admin:         p.admin,
		sessionID:     p.sessionID,
		call:          p.call,
		ssrc:          p.ssrc,
		lastKnownTime: models.InitialStreamTime,
		state:         StateConnecting,
	}
}

func (r *Record) ChatID() models.ChatID { return r.chatID }

func (r *Record) PeerID() models.PeerID { return r.peerID }

// InputCall is fixed at join time even when newer call snapshots arrive.
func (r *Record) InputCall() models.InputGroupCall { return r.inputCall }

// Admin reports whether the local user may discard the call.
func (r *Record) Admin() bool { return r.admin }

// SessionID identifies this membership in the journal.
func (r *Record) SessionID() string { return r.sessionID }

// Call returns the last known call snapshot.
func (r *Record) Call() models.GroupCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.call
}

// CallID is shorthand for Call().ID.
func (r *Record) CallID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.call.ID
}

func (r *Record) SSRC() int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ssrc
}

func (r *Record) PIP() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pip
}

// SetPIP records whether the session is shown picture-in-picture.
func (r *Record) SetPIP(pip bool) {
	r.mu.Lock()
	r.pip = pip
	r.mu.Unlock()
}

// LastKnownTime is the last playback position reported by the decoder.
func (r *Record) LastKnownTime() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastKnownTime
}

func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState stores the state and notifies state listeners, even when the
// value did not change.
func (r *Record) SetState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	r.stateEvents.emit(state)
}

// OnState registers fn for state changes and returns its unsubscribe func.
func (r *Record) OnState(fn func(State)) func() {
	return r.stateEvents.subscribe(fn)
}

// Cleanup drops every listener registered on the record.
func (r *Record) Cleanup() {
	r.stateEvents.clear()
}

func (r *Record) setCall(call models.GroupCall) {
	r.mu.Lock()
	r.call = call
	r.mu.Unlock()
}

func (r *Record) setSSRC(ssrc int32) {
	r.mu.Lock()
	r.ssrc = ssrc
	r.mu.Unlock()
}

func (r *Record) setLastKnownTime(t string) {
	r.mu.Lock()
	r.lastKnownTime = t
	r.mu.Unlock()
}

// Snapshot is a point-in-time view of a record, safe to serialise.
type Snapshot struct {
	SessionID         string        `json:"sessionId"`
	ChatID            models.ChatID `json:"chatId"`
	PeerID            models.PeerID `json:"peerId"`
	CallID            int64         `json:"callId,string"`
	Title             string        `json:"title,omitempty"`
	ParticipantsCount int           `json:"participantsCount"`
	SSRC              int32         `json:"ssrc"`
	Admin             bool          `json:"admin"`
	PIP               bool          `json:"pip"`
	LastKnownTime     string        `json:"lastKnownTime"`
	State             State         `json:"state"`
}

func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		SessionID:         r.sessionID,
		ChatID:            r.chatID,
		PeerID:            r.peerID,
		CallID:            r.call.ID,
		Title:             r.call.Title,
		ParticipantsCount: r.call.ParticipantsCount,
		SSRC:              r.ssrc,
		Admin:             r.admin,
		PIP:               r.pip,
		LastKnownTime:     r.lastKnownTime,
		State:             r.state,
	}
}
