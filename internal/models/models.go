package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	// UnifiedChannelID is the relay channel that multiplexes combined audio
	// and video for a broadcast.
	UnifiedChannelID = 1
	// UnifiedQuality is the quality tier requested from the unified channel.
	UnifiedQuality = 2
	// SegmentLimit bounds a single stream segment request.
	SegmentLimit = 512 * 1024
	// InitialStreamTime is the playback cursor of a freshly joined session.
	InitialStreamTime = "0"
)

// ChatID identifies a chat or channel.
type ChatID int64

// PeerID identifies a dialog peer. Chats and channels are addressed with
// negative peer ids, users with positive ones.
type PeerID int64

// PeerID returns the peer id under which the chat is addressed.
func (c ChatID) PeerID() PeerID {
	return PeerID(-c)
}

// ChatID reverses ChatID.PeerID. The boolean is false for user peers.
func (p PeerID) ChatID() (ChatID, bool) {
	if p >= 0 {
		return 0, false
	}
	return ChatID(-p), true
}

// GroupCallKind distinguishes active calls from discarded ones.
type GroupCallKind string

const (
	GroupCallKindActive    GroupCallKind = "groupCall"
	GroupCallKindDiscarded GroupCallKind = "groupCallDiscarded"
)

// GroupCall is a snapshot of the server-side call entity.
type GroupCall struct {
	Kind              GroupCallKind `json:"_"`
	ID                int64         `json:"id,string"`
	AccessHash        int64         `json:"access_hash,string"`
	ParticipantsCount int           `json:"participants_count,omitempty"`
	StreamDCID        int           `json:"stream_dc_id,omitempty"`
	RTMPStream        bool          `json:"rtmp_stream,omitempty"`
	Title             string        `json:"title,omitempty"`
	Version           int           `json:"version,omitempty"`
}

// Discarded reports whether the call has been torn down server-side.
func (c GroupCall) Discarded() bool {
	return c.Kind == GroupCallKindDiscarded
}

// Input returns the addressing pair for the call.
func (c GroupCall) Input() InputGroupCall {
	return InputGroupCall{ID: c.ID, AccessHash: c.AccessHash}
}

// InputGroupCall is the minimal (id, access credential) pair used to
// address a call in RPCs.
type InputGroupCall struct {
	ID         int64 `json:"id,string"`
	AccessHash int64 `json:"access_hash,string"`
}

// ChatFullKind distinguishes full channel profiles from basic group ones.
type ChatFullKind string

const (
	ChatFullKindChannel ChatFullKind = "channelFull"
	ChatFullKindChat    ChatFullKind = "chatFull"
)

// ChatFull is the full profile of a chat.
type ChatFull struct {
	Kind              ChatFullKind    `json:"_"`
	ID                ChatID          `json:"id"`
	Call              *InputGroupCall `json:"call,omitempty"`
	CanDeleteChannel  bool            `json:"can_delete_channel,omitempty"`
	ParticipantsCount int             `json:"participants_count,omitempty"`
}

// StreamChannel describes one relay channel of a broadcast.
type StreamChannel struct {
	Channel         int    `json:"channel"`
	Scale           int    `json:"scale"`
	LastTimestampMS string `json:"last_timestamp_ms"`
}

// RelayState is the live channel topology of a broadcast together with the
// datacenter that serves it.
type RelayState struct {
	Channels  []StreamChannel `json:"channels"`
	DCID      int             `json:"dc_id"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Channel looks up a channel by index.
func (s RelayState) Channel(id int) (StreamChannel, bool) {
	for _, channel := range s.Channels {
		if channel.Channel == id {
			return channel, true
		}
	}
	return StreamChannel{}, false
}

// StreamLocation addresses one segment of a broadcast.
type StreamLocation struct {
	Call         InputGroupCall `json:"call"`
	VideoChannel int            `json:"video_channel"`
	VideoQuality int            `json:"video_quality"`
	Scale        int            `json:"scale"`
	TimeMS       string         `json:"time_ms"`
}

// DataJSON wraps a JSON document carried as text inside an RPC.
type DataJSON struct {
	Data string `json:"data"`
}

// Fingerprint is a DTLS fingerprint entry of a join payload.
type Fingerprint struct {
	Hash        string `json:"hash"`
	Setup       string `json:"setup"`
	Fingerprint string `json:"fingerprint"`
}

// SSRCGroup groups media sources of a join payload.
type SSRCGroup struct {
	Semantics string  `json:"semantics"`
	Sources   []int32 `json:"sources"`
}

// JoinPayload is the envelope sent when joining a group call. Broadcast
// joins reuse the voice chat shape with empty transport fields.
type JoinPayload struct {
	Fingerprints []Fingerprint `json:"fingerprints"`
	Pwd          string        `json:"pwd"`
	SSRC         int32         `json:"ssrc"`
	SSRCGroups   []SSRCGroup   `json:"ssrc-groups"`
	Ufrag        string        `json:"ufrag"`
}

// NewBroadcastJoinPayload builds the join envelope for a broadcast session.
func NewBroadcastJoinPayload(ssrc int32) (DataJSON, error) {
	data, err := json.Marshal(JoinPayload{
		Fingerprints: []Fingerprint{},
		SSRC:         ssrc,
		SSRCGroups:   []SSRCGroup{},
	})
	if err != nil {
		return DataJSON{}, fmt.Errorf("marshal join payload: %w", err)
	}
	return DataJSON{Data: string(data)}, nil
}

// JoinParams are the connection parameters returned by a join.
type JoinParams struct {
	RTMP any `json:"rtmp"`
}

// ParseJoinParams decodes the connection parameters of a join response.
func ParseJoinParams(params DataJSON) (JoinParams, error) {
	var parsed JoinParams
	if err := json.Unmarshal([]byte(params.Data), &parsed); err != nil {
		return JoinParams{}, fmt.Errorf("decode join params: %w", err)
	}
	return parsed, nil
}

// IsRTMP reports whether the parameters explicitly mark a broadcast session.
func (p JoinParams) IsRTMP() bool {
	value, ok := p.RTMP.(bool)
	return ok && value
}

// JoinContextMain is the join context of the primary media connection.
const JoinContextMain = "main"

// JoinContext tags which connection of a call a join belongs to.
type JoinContext struct {
	Type string `json:"type"`
}

// HangUpRequest selects between discarding a call and leaving it.
type HangUpRequest struct {
	Discard bool  `json:"discard,omitempty"`
	SSRC    int32 `json:"source,omitempty"`
}

// StreamTime is a playback position report from the decoder.
type StreamTime struct {
	CallID int64  `json:"callId,string"`
	Time   string `json:"time"`
}

// Millis parses the time as milliseconds.
func (t StreamTime) Millis() (int64, error) {
	return strconv.ParseInt(t.Time, 10, 64)
}

// ServiceMessageLeaveRTMPCall asks the playback pipeline to stop consuming a call.
const ServiceMessageLeaveRTMPCall = "leaveRtmpCall"

// ServiceMessage is a one-way notice to the playback pipeline.
type ServiceMessage struct {
	Kind   string `json:"kind"`
	CallID int64  `json:"callId,string"`
	HangUp bool   `json:"hangUp"`
}
