package rpc

import (
	"context"
	"fmt"

	"livecall/internal/models"
)

const (
	methodGetFullChannel       = "channels.getFullChannel"
	methodGetGroupCall         = "phone.getGroupCall"
	methodJoinGroupCall        = "phone.joinGroupCall"
	methodLeaveGroupCall       = "phone.leaveGroupCall"
	methodDiscardGroupCall     = "phone.discardGroupCall"
	methodGetStreamChannels    = "phone.getGroupCallStreamChannels"
	methodGetStreamRTMPURL     = "phone.getGroupCallStreamRtmpUrl"
	methodGetFile              = "upload.getFile"
	maxRelayStateInvalidRetry  = 3
	maxRelayStateMigrateRoutes = 5
)

type channelParams struct {
	Channel models.ChatID `json:"channel"`
}

type callParams struct {
	Call models.InputGroupCall `json:"call"`
}

type joinParams struct {
	Call        models.InputGroupCall `json:"call"`
	Params      models.DataJSON       `json:"params"`
	JoinContext models.JoinContext    `json:"join_context"`
}

type joinResult struct {
	Params models.DataJSON `json:"params"`
}

type leaveParams struct {
	Call   models.InputGroupCall `json:"call"`
	Source int32                 `json:"source"`
}

type streamChannelsResult struct {
	Channels []models.StreamChannel `json:"channels"`
}

type getFileParams struct {
	Location models.StreamLocation `json:"location"`
	Offset   int                   `json:"offset"`
	Limit    int                   `json:"limit"`
}

type getFileResult struct {
	Bytes []byte `json:"bytes"`
}

type rtmpURLParams struct {
	Peer   models.PeerID `json:"peer"`
	Revoke bool          `json:"revoke"`
}

// RTMPURL is the ingest endpoint and stream key of a broadcast.
type RTMPURL struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

// GetChatFull fetches the full profile of a channel.
func (c *Client) GetChatFull(ctx context.Context, chatID models.ChatID) (models.ChatFull, error) {
	var chat models.ChatFull
	if err := c.invoke(ctx, methodGetFullChannel, 0, channelParams{Channel: chatID}, &chat); err != nil {
		return models.ChatFull{}, err
	}
	return chat, nil
}

// GetGroupCallFull fetches the current descriptor of a call.
func (c *Client) GetGroupCallFull(ctx context.Context, call models.InputGroupCall) (models.GroupCall, error) {
	var full models.GroupCall
	if err := c.invoke(ctx, methodGetGroupCall, 0, callParams{Call: call}, &full); err != nil {
		return models.GroupCall{}, err
	}
	return full, nil
}

// JoinGroupCall sends a join payload and returns the connection parameters.
func (c *Client) JoinGroupCall(ctx context.Context, call models.InputGroupCall, payload models.DataJSON, joinCtx models.JoinContext) (models.DataJSON, error) {
	var result joinResult
	if err := c.invoke(ctx, methodJoinGroupCall, 0, joinParams{Call: call, Params: payload, JoinContext: joinCtx}, &result); err != nil {
		return models.DataJSON{}, err
	}
	return result.Params, nil
}

// HangUp discards the call when req.Discard is set, otherwise leaves it with
// the given source.
func (c *Client) HangUp(ctx context.Context, call models.InputGroupCall, req models.HangUpRequest) error {
	if req.Discard {
		return c.invoke(ctx, methodDiscardGroupCall, 0, callParams{Call: call}, nil)
	}
	return c.invoke(ctx, methodLeaveGroupCall, 0, leaveParams{Call: call, Source: req.SSRC}, nil)
}

// FetchRTMPPart fetches the first segment at location from dcID. An empty
// segment is returned as nil without error.
func (c *Client) FetchRTMPPart(ctx context.Context, location models.StreamLocation, dcID int) ([]byte, error) {
	var result getFileResult
	params := getFileParams{Location: location, Offset: 0, Limit: models.SegmentLimit}
	if err := c.invoke(ctx, methodGetFile, dcID, params, &result); err != nil {
		return nil, err
	}
	if len(result.Bytes) == 0 {
		return nil, nil
	}
	return result.Bytes, nil
}

// FetchRTMPURL returns the ingest credentials of the broadcast hosted by
// peer, rotating the key when revoke is set.
func (c *Client) FetchRTMPURL(ctx context.Context, peer models.PeerID, revoke bool) (RTMPURL, error) {
	var result RTMPURL
	if err := c.invoke(ctx, methodGetStreamRTMPURL, 0, rtmpURLParams{Peer: peer, Revoke: revoke}, &result); err != nil {
		return RTMPURL{}, err
	}
	if result.URL == "" {
		return RTMPURL{}, fmt.Errorf("%s returned no url", methodGetStreamRTMPURL)
	}
	return result, nil
}
