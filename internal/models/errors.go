package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Server error kinds the client reacts to.
const (
	ErrTypeGroupCallJoinMissing = "GROUPCALL_JOIN_MISSING"
	ErrTypeGroupCallInvalid     = "GROUPCALL_INVALID"
	ErrTypeCallMigratePrefix    = "CALL_MIGRATE_"
)

// ErrSessionMissing reports that the server no longer holds a join record for
// this client in the call.
var ErrSessionMissing = errors.New("group call session missing")

// APIError is an error returned by the messaging API.
type APIError struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("api error %d %s", e.Code, e.Type)
}

// Is lets errors.Is match ErrSessionMissing.
func (e *APIError) Is(target error) bool {
	return target == ErrSessionMissing && e.Type == ErrTypeGroupCallJoinMissing
}

// APIErrorType returns the server error kind carried by err, if any.
func APIErrorType(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type
	}
	return ""
}

// MigrateDC extracts the target datacenter of a CALL_MIGRATE_<dc> error.
func MigrateDC(err error) (int, bool) {
	kind := APIErrorType(err)
	if !strings.HasPrefix(kind, ErrTypeCallMigratePrefix) {
		return 0, false
	}
	dc, convErr := strconv.Atoi(strings.TrimPrefix(kind, ErrTypeCallMigratePrefix))
	if convErr != nil || dc <= 0 {
		return 0, false
	}
	return dc, true
}
