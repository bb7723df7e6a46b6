package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"livecall/internal/calls"
	"livecall/internal/journal"
	"livecall/internal/models"
	"livecall/internal/observability/logging"
	"livecall/internal/playback"
	"livecall/internal/rpc"
)

// RTMPURLFetcher returns ingest credentials for a broadcast host.
type RTMPURLFetcher interface {
	FetchRTMPURL(ctx context.Context, peer models.PeerID, revoke bool) (rpc.RTMPURL, error)
}

type Handler struct {
	Controller *calls.Controller
	Monitor    *calls.Monitor
	Journal    journal.Journal
	Reporter   *playback.Reporter
	RTMP       RTMPURLFetcher
	Logger     *slog.Logger
}

func NewHandler(controller *calls.Controller) *Handler {
	return &Handler{Controller: controller}
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

type callResponse struct {
	Call   *calls.Snapshot     `json:"call"`
	Health *calls.HealthReport `json:"health,omitempty"`
}

func (h *Handler) callResponse() callResponse {
	record := h.Controller.CurrentCall()
	if record == nil {
		return callResponse{}
	}
	snapshot := record.Snapshot()
	resp := callResponse{Call: &snapshot}
	if h.Monitor != nil {
		if report := h.Monitor.LastReport(); report.CallID == snapshot.CallID && !report.At.IsZero() {
			resp.Health = &report
		}
	}
	return resp
}

// CurrentCall describes the current session, if any.
func (h *Handler) CurrentCall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.callResponse())
}

type joinRequest struct {
	ChatID models.ChatID `json:"chatId"`
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ChatID <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("chatId must be positive"))
		return
	}
	if err := h.Controller.JoinCall(r.Context(), req.ChatID); err != nil {
		h.fail(w, r, "join failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.callResponse())
}

type leaveRequest struct {
	Discard bool `json:"discard"`
}

// Leave leaves the current session. The body is optional.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Controller.LeaveCall(r.Context(), req.Discard); err != nil {
		h.fail(w, r, "leave failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.callResponse())
}

func (h *Handler) Rejoin(w http.ResponseWriter, r *http.Request) {
	if h.Controller.CurrentCall() == nil {
		writeError(w, http.StatusNotFound, errNoCurrentCall)
		return
	}
	if err := h.Controller.RejoinCall(r.Context()); err != nil {
		h.fail(w, r, "rejoin failed", err)
		return
	}
	writeJSON(w, http.StatusOK, h.callResponse())
}

type livenessResponse struct {
	Liveness calls.Liveness `json:"liveness"`
	Deep     bool           `json:"deep"`
}

// Liveness probes the current session. ?deep=true fetches a segment too.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	deep, err := queryBool(r, "deep")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Controller.IsCurrentCallDead(r.Context(), deep, false)
	if err != nil {
		h.fail(w, r, "liveness probe failed", err)
		return
	}
	writeJSON(w, http.StatusOK, livenessResponse{Liveness: result, Deep: deep})
}

type stateRequest struct {
	State string `json:"state"`
}

func (h *Handler) SetState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, err := calls.ParseState(req.State)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	record := h.Controller.CurrentCall()
	if record == nil {
		writeError(w, http.StatusNotFound, errNoCurrentCall)
		return
	}
	record.SetState(state)
	writeJSON(w, http.StatusOK, h.callResponse())
}

type pipRequest struct {
	PIP *bool `json:"pip"`
}

func (h *Handler) SetPIP(w http.ResponseWriter, r *http.Request) {
	var req pipRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.PIP == nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("pip is required"))
		return
	}
	record := h.Controller.CurrentCall()
	if record == nil {
		writeError(w, http.StatusNotFound, errNoCurrentCall)
		return
	}
	record.SetPIP(*req.PIP)
	writeJSON(w, http.StatusOK, h.callResponse())
}

type streamTimeRequest struct {
	Time string `json:"time"`
}

// StreamTime accepts a playback position for the current session from the
// decoder.
func (h *Handler) StreamTime(w http.ResponseWriter, r *http.Request) {
	if h.Reporter == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("stream time reporting is not configured"))
		return
	}
	var req streamTimeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record := h.Controller.CurrentCall()
	if record == nil {
		writeError(w, http.StatusNotFound, errNoCurrentCall)
		return
	}
	if err := h.Reporter.Report(r.Context(), record.CallID(), req.Time); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RTMPURL returns the ingest endpoint of the current broadcast, or of
// ?chatId= when given. ?revoke=true rotates the stream key.
func (h *Handler) RTMPURL(w http.ResponseWriter, r *http.Request) {
	if h.RTMP == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("rtmp url lookup is not configured"))
		return
	}
	revoke, err := queryBool(r, "revoke")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var peer models.PeerID
	if raw := strings.TrimSpace(r.URL.Query().Get("chatId")); raw != "" {
		chatID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || chatID <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid chatId %q", raw))
			return
		}
		peer = models.ChatID(chatID).PeerID()
	} else if record := h.Controller.CurrentCall(); record != nil {
		peer = record.PeerID()
	} else {
		writeError(w, http.StatusNotFound, errNoCurrentCall)
		return
	}
	url, err := h.RTMP.FetchRTMPURL(r.Context(), peer, revoke)
	if err != nil {
		h.fail(w, r, "rtmp url lookup failed", err)
		return
	}
	writeJSON(w, http.StatusOK, url)
}

// ListJournal lists recent session journal entries, newest first.
func (h *Handler) ListJournal(w http.ResponseWriter, r *http.Request) {
	if h.Journal == nil {
		writeJSON(w, http.StatusOK, []journal.Entry{})
		return
	}
	query := r.URL.Query()
	limit := journal.DefaultLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	var callID int64
	if raw := strings.TrimSpace(query.Get("callId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid callId %q", raw))
			return
		}
		callID = parsed
	}
	entries, err := h.Journal.Recent(r.Context(), callID, limit)
	if err != nil {
		h.fail(w, r, "journal read failed", err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

var errNoCurrentCall = errors.New("no current call")

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := StatusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger(r).Warn(message, "error", err)
	}
	writeError(w, status, err)
}

// StatusForError maps controller and gateway errors onto HTTP statuses.
func StatusForError(err error) int {
	switch {
	case errors.Is(err, calls.ErrAlreadyInCall),
		errors.Is(err, calls.ErrJoinInProgress),
		errors.Is(err, calls.ErrJoinAborted):
		return http.StatusConflict
	case errors.Is(err, calls.ErrNoAssociatedCall),
		errors.Is(err, calls.ErrCallNotFound),
		errors.Is(err, rpc.ErrCallDiscarded):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrNotRtmpCall):
		return http.StatusUnprocessableEntity
	case errors.Is(err, journal.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func queryBool(r *http.Request, key string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return false, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", key, raw)
	}
	return value, nil
}
