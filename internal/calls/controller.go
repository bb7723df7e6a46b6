package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"livecall/internal/feed"
	"livecall/internal/journal"
	"livecall/internal/models"
	"livecall/internal/observability/logging"
	"livecall/internal/observability/metrics"
)

// ProfileService resolves chat profiles.
type ProfileService interface {
	GetChatFull(ctx context.Context, chatID models.ChatID) (models.ChatFull, error)
}

// GroupCallService is the group call RPC surface the controller drives.
type GroupCallService interface {
	GetGroupCallFull(ctx context.Context, call models.InputGroupCall) (models.GroupCall, error)
	JoinGroupCall(ctx context.Context, call models.InputGroupCall, payload models.DataJSON, joinCtx models.JoinContext) (models.DataJSON, error)
	HangUp(ctx context.Context, call models.InputGroupCall, req models.HangUpRequest) error
	FetchRTMPState(ctx context.Context, call models.InputGroupCall) (models.RelayState, error)
	FetchRTMPPart(ctx context.Context, location models.StreamLocation, dcID int) ([]byte, error)
}

// PlaybackPort is the one-way channel to the playback pipeline. Delivery is
// best effort and never reported back.
type PlaybackPort interface {
	LeaveRTMPCall(ctx context.Context, callID int64, hangUp bool)
}

// Config wires a Controller to its collaborators. Profiles and GroupCalls are
// required; every other field is optional.
type Config struct {
	Profiles    ProfileService
	GroupCalls  GroupCallService
	Playback    PlaybackPort
	Updates     feed.Source[models.GroupCall]
	StreamTimes feed.Source[models.StreamTime]
	Journal     journal.Journal
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	// SSRCSource overrides the random source used for ssrc generation.
	SSRCSource func() uint32
}

// Controller owns the single current broadcast session of the process.
type Controller struct {
	profiles    ProfileService
	groupCalls  GroupCallService
	playback    PlaybackPort
	updates     feed.Source[models.GroupCall]
	streamTimes feed.Source[models.StreamTime]
	journal     journal.Journal
	metrics     *metrics.Recorder
	logger      *slog.Logger
	ssrc        *ssrcGenerator

	mu      sync.Mutex
	current *Record
	joining bool
	// generation is bumped by LeaveCall so an in-flight join can tell it was
	// overtaken.
	generation uint64

	startedJoining emitter[models.PeerID]
	currentChanged emitter[*Record]
}

// NewController validates cfg and builds a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Profiles == nil {
		return nil, fmt.Errorf("profile service is required")
	}
	if cfg.GroupCalls == nil {
		return nil, fmt.Errorf("group call service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		profiles:    cfg.Profiles,
		groupCalls:  cfg.GroupCalls,
		playback:    cfg.Playback,
		updates:     cfg.Updates,
		streamTimes: cfg.StreamTimes,
		journal:     cfg.Journal,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(logger, "calls"),
		ssrc:        newSSRCGenerator(cfg.SSRCSource),
	}, nil
}

// CurrentCall returns the current session or nil.
func (c *Controller) CurrentCall() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnStartedJoining registers fn to run when a join starts, before any RPC.
func (c *Controller) OnStartedJoining(fn func(models.PeerID)) func() {
	return c.startedJoining.subscribe(fn)
}

// OnCurrentCallChanged registers fn to run whenever the current session is
// replaced, cleared or refreshed in place. fn receives nil on clear.
func (c *Controller) OnCurrentCallChanged(fn func(*Record)) func() {
	return c.currentChanged.subscribe(fn)
}

// JoinCall joins the live broadcast attached to chatID and makes it current.
func (c *Controller) JoinCall(ctx context.Context, chatID models.ChatID) (err error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return ErrAlreadyInCall
	}
	if c.joining {
		c.mu.Unlock()
		return ErrJoinInProgress
	}
	c.joining = true
	generation := c.generation
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.joining = false
		c.mu.Unlock()
		c.metrics.ObserveJoin(joinResult(err))
	}()

	peerID := chatID.PeerID()
	c.startedJoining.emit(peerID)

	ssrc := c.ssrc.generate()
	payload, err := models.NewBroadcastJoinPayload(ssrc)
	if err != nil {
		return err
	}

	chat, err := c.profiles.GetChatFull(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.Kind != models.ChatFullKindChannel || chat.Call == nil || chat.Call.ID == 0 {
		return ErrNoAssociatedCall
	}
	if c.overtaken(generation) {
		return ErrJoinAborted
	}

	call, err := c.groupCalls.GetGroupCallFull(ctx, *chat.Call)
	if err != nil {
		return err
	}
	if call.Kind != models.GroupCallKindActive {
		return ErrCallNotFound
	}
	if c.overtaken(generation) {
		return ErrJoinAborted
	}

	params, err := c.groupCalls.JoinGroupCall(ctx, call.Input(), payload, models.JoinContext{Type: models.JoinContextMain})
	if err != nil {
		return err
	}
	parsed, err := models.ParseJoinParams(params)
	if err != nil {
		return err
	}
	if !parsed.IsRTMP() {
		return ErrNotRtmpCall
	}

	record := newRecord(recordParams{
		chatID:    chatID,
		peerID:    peerID,
		call:      call,
		inputCall: call.Input(),
		ssrc:      ssrc,
		admin:     chat.CanDeleteChannel,
		sessionID: journal.NewSessionID(),
	})

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		// The membership exists server-side but nobody owns it locally.
		if hangErr := c.groupCalls.HangUp(ctx, record.InputCall(), models.HangUpRequest{SSRC: ssrc}); hangErr != nil {
			c.logger.Warn("hang up after aborted join failed", "call_id", call.ID, "error", hangErr)
		}
		return ErrJoinAborted
	}
	previous := c.current
	c.current = record
	c.mu.Unlock()

	c.announce(previous, record)
	c.logger.Info("joined broadcast",
		"chat_id", int64(chatID),
		"call_id", call.ID,
		"access", logging.Fingerprint(call.AccessHash),
		"session_id", record.SessionID(),
		"admin", record.Admin(),
	)
	c.appendJournal(ctx, record, journal.KindJoin, "")
	return nil
}

// LeaveCall clears the current session locally, tells the playback pipeline
// to stop and hangs up. The call is discarded instead when discard is set and
// the local user is an admin. A leave with no current session only aborts an
// in-flight join, if any.
func (c *Controller) LeaveCall(ctx context.Context, discard bool) error {
	c.mu.Lock()
	record := c.current
	if record == nil {
		if c.joining {
			c.generation++
		}
		c.mu.Unlock()
		return nil
	}
	c.current = nil
	c.generation++
	c.mu.Unlock()

	c.announce(record, nil)

	callID := record.CallID()
	if c.playback != nil {
		c.playback.LeaveRTMPCall(ctx, callID, true)
	}

	req := models.HangUpRequest{SSRC: record.SSRC()}
	kind := "leave"
	if discard && record.Admin() {
		req = models.HangUpRequest{Discard: true}
		kind = "discard"
	}
	err := c.groupCalls.HangUp(ctx, record.InputCall(), req)
	c.metrics.ObserveLeave(kind)
	detail := kind
	if err != nil {
		detail = fmt.Sprintf("%s: %v", kind, err)
		c.logger.Warn("hang up failed", "call_id", callID, "kind", kind, "error", err)
	} else {
		c.logger.Info("left broadcast", "call_id", callID, "kind", kind, "session_id", record.SessionID())
	}
	c.appendJournal(ctx, record, journal.KindLeave, detail)
	return err
}

// RejoinCall refreshes the membership of the current session under a new
// ssrc. It does nothing when no session is current.
func (c *Controller) RejoinCall(ctx context.Context) error {
	return c.rejoin(ctx, "manual")
}

func (c *Controller) rejoin(ctx context.Context, trigger string) error {
	c.mu.Lock()
	record, generation := c.current, c.generation
	c.mu.Unlock()
	if record == nil {
		return nil
	}
	ssrc := c.ssrc.generate()
	record.setSSRC(ssrc)
	payload, err := models.NewBroadcastJoinPayload(ssrc)
	if err == nil {
		_, err = c.groupCalls.JoinGroupCall(ctx, record.InputCall(), payload, models.JoinContext{Type: models.JoinContextMain})
	}
	if err == nil && c.overtaken(generation) {
		// The session was left while the rejoin was in flight.
		if hangErr := c.groupCalls.HangUp(ctx, record.InputCall(), models.HangUpRequest{SSRC: ssrc}); hangErr != nil {
			c.logger.Warn("hang up after aborted rejoin failed", "call_id", record.CallID(), "error", hangErr)
		}
		c.metrics.ObserveRejoin(trigger, ErrJoinAborted)
		return ErrJoinAborted
	}
	c.metrics.ObserveRejoin(trigger, err)
	detail := trigger
	if err != nil {
		detail = fmt.Sprintf("%s: %v", trigger, err)
	}
	c.appendJournal(ctx, record, journal.KindRejoin, detail)
	return err
}

// overtaken reports whether a LeaveCall ran since generation was captured.
func (c *Controller) overtaken(generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation != generation
}

// announce finishes a change of the current session made under c.mu.
func (c *Controller) announce(previous, next *Record) {
	if previous == next {
		return
	}
	if previous != nil {
		previous.Cleanup()
	}
	c.metrics.SetActiveCall(next != nil)
	c.currentChanged.emit(next)
}

func (c *Controller) appendJournal(ctx context.Context, record *Record, kind journal.Kind, detail string) {
	if c.journal == nil || record == nil {
		return
	}
	entry := journal.Entry{
		SessionID: record.SessionID(),
		CallID:    record.CallID(),
		ChatID:    record.ChatID(),
		Kind:      kind,
		Detail:    detail,
		SSRC:      record.SSRC(),
	}
	if err := c.journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("journal append failed", "kind", kind, "error", err)
	}
}

func joinResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyInCall), errors.Is(err, ErrJoinInProgress):
		return "busy"
	case errors.Is(err, ErrJoinAborted):
		return "aborted"
	case errors.Is(err, ErrNoAssociatedCall), errors.Is(err, ErrCallNotFound), errors.Is(err, ErrNotRtmpCall):
		return "rejected"
	default:
		return "error"
	}
}
