package calls

import (
	"context"
	"errors"

	"livecall/internal/journal"
	"livecall/internal/models"
)

// Liveness is the verdict of a liveness probe.
type Liveness string

const (
	// LivenessDead means there is no session, or the relay has nothing for it.
	LivenessDead Liveness = "dead"
	// LivenessDying means the relay exists but membership could not be confirmed.
	LivenessDying Liveness = "dying"
	LivenessAlive Liveness = "alive"
)

// IsCurrentCallDead probes the current session. A shallow probe only asks the
// relay for its channels. A deep probe (checkJoined) also fetches one segment
// of the unified channel, which fails when the server has dropped our
// membership; that failure triggers a single rejoin unless triedRejoin is set.
// Relay state errors are returned; segment errors only affect the verdict.
func (c *Controller) IsCurrentCallDead(ctx context.Context, checkJoined, triedRejoin bool) (Liveness, error) {
	result, err := c.probe(ctx, checkJoined, triedRejoin)
	if err != nil {
		c.metrics.ObserveLiveness(checkJoined, "error")
		return "", err
	}
	c.metrics.ObserveLiveness(checkJoined, string(result))
	if result != LivenessAlive {
		c.appendJournal(ctx, c.CurrentCall(), journal.KindLiveness, string(result))
	}
	return result, nil
}

func (c *Controller) probe(ctx context.Context, checkJoined, triedRejoin bool) (Liveness, error) {
	record := c.CurrentCall()
	if record == nil {
		return LivenessDead, nil
	}

	state, err := c.groupCalls.FetchRTMPState(ctx, record.InputCall())
	if err != nil {
		return "", err
	}
	if !checkJoined {
		if len(state.Channels) == 0 {
			return LivenessDead, nil
		}
		return LivenessAlive, nil
	}

	unified, ok := state.Channel(models.UnifiedChannelID)
	if !ok {
		return LivenessDead, nil
	}
	timeMS := record.LastKnownTime()
	if timeMS == models.InitialStreamTime {
		timeMS = unified.LastTimestampMS
	}
	_, err = c.groupCalls.FetchRTMPPart(ctx, models.StreamLocation{
		Call:         record.InputCall(),
		VideoChannel: models.UnifiedChannelID,
		VideoQuality: models.UnifiedQuality,
		Scale:        unified.Scale,
		TimeMS:       timeMS,
	}, state.DCID)
	if err == nil {
		return LivenessAlive, nil
	}

	logger := c.logger.With("call_id", record.CallID())
	if !errors.Is(err, ErrSessionMissing) || triedRejoin {
		logger.Debug("segment probe failed", "error", err, "tried_rejoin", triedRejoin)
		return LivenessDying, nil
	}
	logger.Info("broadcast membership missing, rejoining")
	if err := c.rejoin(ctx, "liveness"); err != nil {
		logger.Warn("rejoin after missing membership failed", "error", err)
		return LivenessDying, nil
	}
	result, err := c.probe(ctx, true, true)
	if err != nil {
		logger.Warn("liveness recheck failed", "error", err)
		return LivenessDying, nil
	}
	return result, nil
}
