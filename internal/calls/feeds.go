package calls

import (
	"context"
	"fmt"

	"livecall/internal/journal"
	"livecall/internal/models"
)

// HandleGroupCallUpdate applies a call update from the chat-wide feed. Updates
// for other calls are ignored.
func (c *Controller) HandleGroupCallUpdate(ctx context.Context, update models.GroupCall) {
	c.mu.Lock()
	record := c.current
	if record == nil || record.CallID() != update.ID {
		c.mu.Unlock()
		c.metrics.ObserveFeedEvent("call_updates", "ignored")
		return
	}
	if update.Discarded() {
		c.current = nil
		c.mu.Unlock()
		c.metrics.ObserveFeedEvent("call_updates", "discarded")
		c.logger.Info("broadcast discarded", "call_id", update.ID, "session_id", record.SessionID())
		c.announce(record, nil)
		c.appendJournal(ctx, record, journal.KindDiscarded, "")
		return
	}
	c.mu.Unlock()

	record.setCall(update)
	c.metrics.ObserveFeedEvent("call_updates", "refreshed")
	c.currentChanged.emit(record)
}

// HandleStreamTime records the playback position reported for the current call.
func (c *Controller) HandleStreamTime(update models.StreamTime) {
	record := c.CurrentCall()
	if record == nil || record.CallID() != update.CallID {
		c.metrics.ObserveFeedEvent("stream_time", "ignored")
		return
	}
	record.setLastKnownTime(update.Time)
	c.metrics.ObserveFeedEvent("stream_time", "applied")
}

// Run consumes the configured feeds until ctx is cancelled or a feed ends.
func (c *Controller) Run(ctx context.Context) error {
	var (
		updates <-chan models.GroupCall
		times   <-chan models.StreamTime
	)
	if c.updates != nil {
		sub, err := c.updates.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe call updates: %w", err)
		}
		defer sub.Close()
		updates = sub.Events()
	}
	if c.streamTimes != nil {
		sub, err := c.streamTimes.Subscribe(ctx)
		if err != nil {
			return fmt.Errorf("subscribe stream times: %w", err)
		}
		defer sub.Close()
		times = sub.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return feedClosed(ctx, "call update")
			}
			c.HandleGroupCallUpdate(ctx, update)
		case update, ok := <-times:
			if !ok {
				return feedClosed(ctx, "stream time")
			}
			c.HandleStreamTime(update)
		}
	}
}

func feedClosed(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%s feed closed", name)
}
