package calls

import (
	"errors"

	"livecall/internal/models"
)

var (
	// ErrAlreadyInCall is returned by JoinCall while a session is current.
	ErrAlreadyInCall = errors.New("already in broadcast call")
	// ErrJoinInProgress is returned by JoinCall while another join is in flight.
	ErrJoinInProgress = errors.New("broadcast join already in progress")
	// ErrJoinAborted is returned by a join that was overtaken by LeaveCall.
	ErrJoinAborted = errors.New("broadcast join aborted by leave")
	// ErrNoAssociatedCall means the chat has no live broadcast configured.
	ErrNoAssociatedCall = errors.New("chat has no associated call")
	// ErrCallNotFound means the call referenced by the chat is not active.
	ErrCallNotFound = errors.New("group call not found")
	// ErrNotRtmpCall means the server accepted the join outside broadcast mode.
	ErrNotRtmpCall = errors.New("group call is not an rtmp broadcast")
	// ErrSessionMissing reports that the server dropped this client's membership.
	ErrSessionMissing = models.ErrSessionMissing
)
