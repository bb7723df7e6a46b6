// Package playback bridges the session controller and the stream decoder.
// The controller sends one-way service notices; the decoder reports its
// playback position back over a feed.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"livecall/internal/feed"
	"livecall/internal/models"
	"livecall/internal/observability/logging"
)

// Port delivers service notices to the playback pipeline.
type Port struct {
	notices feed.Publisher[models.ServiceMessage]
	logger  *slog.Logger
}

// NewPort wraps a notice publisher. A nil publisher yields a Port that only
// logs.
func NewPort(notices feed.Publisher[models.ServiceMessage], logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	return &Port{notices: notices, logger: logging.WithComponent(logger, "playback")}
}

// LeaveRTMPCall tells the decoder to stop consuming callID. hangUp is false
// when the decoder itself gave up on a stalled stream and the session should
// stay joined. Failures are logged and never surface to the caller.
func (p *Port) LeaveRTMPCall(ctx context.Context, callID int64, hangUp bool) {
	if p == nil {
		return
	}
	notice := models.ServiceMessage{Kind: models.ServiceMessageLeaveRTMPCall, CallID: callID, HangUp: hangUp}
	if p.notices == nil {
		p.logger.Debug("no playback pipeline attached", "call_id", callID)
		return
	}
	if err := p.notices.Publish(ctx, notice); err != nil {
		p.logger.Warn("failed to notify playback pipeline", "call_id", callID, "hang_up", hangUp, "error", err)
	}
}

// Reporter publishes decoder playback positions.
type Reporter struct {
	times feed.Publisher[models.StreamTime]
}

// NewReporter wraps a stream time publisher.
func NewReporter(times feed.Publisher[models.StreamTime]) *Reporter {
	return &Reporter{times: times}
}

// Report publishes the position of callID. The time must be a decimal
// millisecond timestamp.
func (r *Reporter) Report(ctx context.Context, callID int64, timeMS string) error {
	if r == nil || r.times == nil {
		return fmt.Errorf("stream time reporting is not configured")
	}
	update := models.StreamTime{CallID: callID, Time: strings.TrimSpace(timeMS)}
	if callID == 0 {
		return fmt.Errorf("call id is required")
	}
	if millis, err := update.Millis(); err != nil || millis < 0 {
		return fmt.Errorf("invalid stream time %q", timeMS)
	}
	return r.times.Publish(ctx, update)
}
