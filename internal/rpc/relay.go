package rpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"livecall/internal/models"
)

// ErrCallDiscarded is returned when relay state is requested for a call that
// has ended.
var ErrCallDiscarded = errors.New("group call discarded")

// FetchRTMPState returns the relay channels of a broadcast. Concurrent callers
// for one call share a single request, and the outcome is reused for the
// cache TTL.
func (c *Client) FetchRTMPState(ctx context.Context, call models.InputGroupCall) (models.RelayState, error) {
	if cached, ok := c.cachedState(call.ID); ok {
		return cached.state, cached.err
	}
	key := strconv.FormatInt(call.ID, 10)
	value, err, _ := c.states.Do(key, func() (any, error) {
		if cached, ok := c.cachedState(call.ID); ok {
			return cached.state, cached.err
		}
		state, err := c.fetchRTMPState(context.WithoutCancel(ctx), call)
		c.storeState(call.ID, state, err)
		return state, err
	})
	if err != nil {
		return models.RelayState{}, err
	}
	return value.(models.RelayState), nil
}

func (c *Client) cachedState(callID int64) (cachedState, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	entry, ok := c.cache[callID]
	if !ok {
		return cachedState{}, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.cache, callID)
		return cachedState{}, false
	}
	return entry, true
}

func (c *Client) storeState(callID int64, state models.RelayState, err error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cache[callID] = cachedState{state: state, err: err, expires: c.now().Add(c.cacheTTL)}
}

// fetchRTMPState resolves the serving datacenter from the call descriptor,
// follows CALL_MIGRATE_<dc> redirects and retries GROUPCALL_INVALID a few
// times from scratch.
func (c *Client) fetchRTMPState(ctx context.Context, call models.InputGroupCall) (models.RelayState, error) {
	var lastErr error
	for retry := 0; retry <= maxRelayStateInvalidRetry; retry++ {
		full, err := c.GetGroupCallFull(ctx, call)
		if err != nil {
			return models.RelayState{}, err
		}
		if full.Discarded() {
			return models.RelayState{}, ErrCallDiscarded
		}
		dc := full.StreamDCID
		if dc <= 0 {
			dc = c.baseDC
		}

		state, err := c.streamChannels(ctx, call, dc)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if models.APIErrorType(err) != models.ErrTypeGroupCallInvalid {
			return models.RelayState{}, err
		}
		c.logger.Debug("relay state invalid, retrying", "call_id", call.ID, "retry", retry+1)
	}
	return models.RelayState{}, lastErr
}

func (c *Client) streamChannels(ctx context.Context, call models.InputGroupCall, dc int) (models.RelayState, error) {
	for routes := 0; ; routes++ {
		var result streamChannelsResult
		err := c.invoke(ctx, methodGetStreamChannels, dc, callParams{Call: call}, &result)
		if err == nil {
			return models.RelayState{Channels: result.Channels, DCID: dc, FetchedAt: c.now().UTC()}, nil
		}
		target, ok := models.MigrateDC(err)
		if !ok {
			return models.RelayState{}, err
		}
		if routes >= maxRelayStateMigrateRoutes {
			return models.RelayState{}, fmt.Errorf("relay state migrated too many times: %w", err)
		}
		c.logger.Debug("relay state migrated", "call_id", call.ID, "from_dc", dc, "to_dc", target)
		dc = target
	}
}
