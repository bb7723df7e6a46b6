package calls

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"livecall/internal/journal"
	"livecall/internal/models"
	"livecall/internal/observability/metrics"
)

type fakeProfiles struct {
	mu    sync.Mutex
	chat  models.ChatFull
	err   error
	calls int
}

func (f *fakeProfiles) GetChatFull(ctx context.Context, chatID models.ChatID) (models.ChatFull, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.ChatFull{}, f.err
	}
	chat := f.chat
	chat.ID = chatID
	return chat, nil
}

type joinRequest struct {
	call    models.InputGroupCall
	payload models.JoinPayload
	joinCtx models.JoinContext
}

type hangUpRequest struct {
	call models.InputGroupCall
	req  models.HangUpRequest
}

type fakeGroupCalls struct {
	mu sync.Mutex

	call    models.GroupCall
	callErr error

	joinParams string
	joinErr    error
	// joinHook runs inside JoinGroupCall before it returns, without the lock.
	joinHook func()
	joins    []joinRequest

	hangUpErr  error
	hangUpHook func()
	hangUps    []hangUpRequest

	state      models.RelayState
	stateErr   error
	stateCalls int

	// partErrs are consumed one per FetchRTMPPart; once exhausted it succeeds.
	partErrs  []error
	locations []models.StreamLocation
	partDCs   []int
}

func (f *fakeGroupCalls) GetGroupCallFull(ctx context.Context, call models.InputGroupCall) (models.GroupCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return models.GroupCall{}, f.callErr
	}
	return f.call, nil
}

func (f *fakeGroupCalls) JoinGroupCall(ctx context.Context, call models.InputGroupCall, payload models.DataJSON, joinCtx models.JoinContext) (models.DataJSON, error) {
	var decoded models.JoinPayload
	if err := json.Unmarshal([]byte(payload.Data), &decoded); err != nil {
		return models.DataJSON{}, err
	}
	f.mu.Lock()
	f.joins = append(f.joins, joinRequest{call: call, payload: decoded, joinCtx: joinCtx})
	hook := f.joinHook
	params, err := f.joinParams, f.joinErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return models.DataJSON{}, err
	}
	return models.DataJSON{Data: params}, nil
}

func (f *fakeGroupCalls) HangUp(ctx context.Context, call models.InputGroupCall, req models.HangUpRequest) error {
	f.mu.Lock()
	f.hangUps = append(f.hangUps, hangUpRequest{call: call, req: req})
	hook := f.hangUpHook
	err := f.hangUpErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeGroupCalls) FetchRTMPState(ctx context.Context, call models.InputGroupCall) (models.RelayState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.stateErr != nil {
		return models.RelayState{}, f.stateErr
	}
	return f.state, nil
}

func (f *fakeGroupCalls) FetchRTMPPart(ctx context.Context, location models.StreamLocation, dcID int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, location)
	f.partDCs = append(f.partDCs, dcID)
	if len(f.partErrs) > 0 {
		err := f.partErrs[0]
		f.partErrs = f.partErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return []byte{0x00}, nil
}

func (f *fakeGroupCalls) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeGroupCalls) lastJoin() joinRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins[len(f.joins)-1]
}

func (f *fakeGroupCalls) hangUpCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hangUps)
}

func (f *fakeGroupCalls) partCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.locations)
}

func (f *fakeGroupCalls) stateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

type fakePlayback struct {
	mu       sync.Mutex
	messages []models.ServiceMessage
}

func (f *fakePlayback) LeaveRTMPCall(ctx context.Context, callID int64, hangUp bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, models.ServiceMessage{Kind: models.ServiceMessageLeaveRTMPCall, CallID: callID, HangUp: hangUp})
}

func (f *fakePlayback) sent() []models.ServiceMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ServiceMessage(nil), f.messages...)
}

type harness struct {
	controller *Controller
	profiles   *fakeProfiles
	groupCalls *fakeGroupCalls
	playback   *fakePlayback
	journal    journal.Journal
	metrics    *metrics.Recorder

	mu      sync.Mutex
	started []models.PeerID
	changes []*Record
}

const (
	testChatID     models.ChatID = 123
	testCallID     int64         = 555
	testAccessHash int64         = 987654321
)

func activeCall() models.GroupCall {
	return models.GroupCall{
		Kind:              models.GroupCallKindActive,
		ID:                testCallID,
		AccessHash:        testAccessHash,
		ParticipantsCount: 10,
		RTMPStream:        true,
		Title:             "launch",
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		profiles: &fakeProfiles{chat: models.ChatFull{
			Kind:             models.ChatFullKindChannel,
			Call:             &models.InputGroupCall{ID: testCallID, AccessHash: testAccessHash},
			CanDeleteChannel: true,
		}},
		groupCalls: &fakeGroupCalls{
			call:       activeCall(),
			joinParams: `{"rtmp":true}`,
			state: models.RelayState{
				DCID: 4,
				Channels: []models.StreamChannel{
					{Channel: models.UnifiedChannelID, Scale: 1, LastTimestampMS: "1700"},
				},
			},
		},
		playback: &fakePlayback{},
		journal:  journal.NewMemory(64),
		metrics:  metrics.New(),
	}
	controller, err := NewController(Config{
		Profiles:   h.profiles,
		GroupCalls: h.groupCalls,
		Playback:   h.playback,
		Journal:    h.journal,
		Metrics:    h.metrics,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	h.controller = controller
	controller.OnStartedJoining(func(peer models.PeerID) {
		h.mu.Lock()
		h.started = append(h.started, peer)
		h.mu.Unlock()
	})
	controller.OnCurrentCallChanged(func(record *Record) {
		h.mu.Lock()
		h.changes = append(h.changes, record)
		h.mu.Unlock()
	})
	return h
}

// joined returns a harness whose controller already holds a session.
func joined(t *testing.T) (*harness, *Record) {
	t.Helper()
	h := newHarness(t)
	if err := h.controller.JoinCall(context.Background(), testChatID); err != nil {
		t.Fatalf("join: %v", err)
	}
	record := h.controller.CurrentCall()
	if record == nil {
		t.Fatal("expected current call after join")
	}
	h.reset()
	return h, record
}

func (h *harness) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = nil
	h.changes = nil
}

func (h *harness) startedEvents() []models.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.PeerID(nil), h.started...)
}

func (h *harness) changeEvents() []*Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Record(nil), h.changes...)
}

func (h *harness) journalKinds(t *testing.T) []journal.Kind {
	t.Helper()
	entries, err := h.journal.Recent(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("journal recent: %v", err)
	}
	kinds := make([]journal.Kind, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		kinds = append(kinds, entries[i].Kind)
	}
	return kinds
}
