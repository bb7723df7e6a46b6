package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livecall/internal/models"
	"livecall/internal/observability/metrics"
)

type gatewayCall struct {
	Method string
	DC     string
	Auth   string
	Params map[string]any
}

type gateway struct {
	t        *testing.T
	mu       sync.Mutex
	calls    []gatewayCall
	handlers map[string]func(call gatewayCall) (int, any)
	server   *httptest.Server
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	g := &gateway{t: t, handlers: make(map[string]func(gatewayCall) (int, any))}
	g.server = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.server.Close)
	return g
}

func (g *gateway) handle(method string, fn func(call gatewayCall) (int, any)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[method] = fn
}

func (g *gateway) serve(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, "/v1/methods/")
	body, _ := io.ReadAll(r.Body)
	call := gatewayCall{Method: method, DC: r.Header.Get(DCHeader), Auth: r.Header.Get("Authorization")}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &call.Params); err != nil {
			g.t.Errorf("decode params: %v", err)
		}
	}
	g.mu.Lock()
	g.calls = append(g.calls, call)
	fn := g.handlers[method]
	g.mu.Unlock()
	if fn == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	status, payload := fn(call)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch v := payload.(type) {
	case string:
		_, _ = io.WriteString(w, v)
	default:
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (g *gateway) methodCalls(method string) []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gatewayCall
	for _, call := range g.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func ok(result any) (int, any) {
	return http.StatusOK, map[string]any{"ok": true, "result": result}
}

func apiErr(code int, kind string) (int, any) {
	return http.StatusOK, map[string]any{"ok": false, "error": map[string]any{"code": code, "type": kind}}
}

func newTestClient(t *testing.T, g *gateway, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = g.server.URL
	if cfg.Token == "" {
		cfg.Token = "secret"
	}
	client, err := New(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

var testCall = models.InputGroupCall{ID: 555, AccessHash: 987654321}

func activeDescriptor(dc int) map[string]any {
	return map[string]any{"_": "groupCall", "id": "555", "access_hash": "987654321", "stream_dc_id": dc, "rtmp_stream": true}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing base url")
	}
}

func TestGetChatFullDecodesProfile(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetFullChannel, func(gatewayCall) (int, any) {
		return ok(map[string]any{"_": "channelFull", "id": 123, "call": map[string]any{"id": "555", "access_hash": "987654321"}, "can_delete_channel": true})
	})
	client := newTestClient(t, g, Config{})
	chat, err := client.GetChatFull(context.Background(), 123)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if chat.Call == nil || *chat.Call != testCall || !chat.CanDeleteChannel {
		t.Fatalf("unexpected chat %+v", chat)
	}
	calls := g.methodCalls(methodGetFullChannel)
	if len(calls) != 1 || calls[0].Auth != "Bearer secret" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if calls[0].Params["channel"] != float64(123) {
		t.Fatalf("unexpected params %+v", calls[0].Params)
	}
	if calls[0].DC != "" {
		t.Fatalf("expected default dc routing, got %q", calls[0].DC)
	}
}

func TestJoinGroupCallSendsPayload(t *testing.T) {
	g := newGateway(t)
	g.handle(methodJoinGroupCall, func(call gatewayCall) (int, any) {
		return ok(map[string]any{"params": map[string]any{"data": `{"rtmp":true}`}})
	})
	client := newTestClient(t, g, Config{})
	payload, err := models.NewBroadcastJoinPayload(42)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	params, err := client.JoinGroupCall(context.Background(), testCall, payload, models.JoinContext{Type: models.JoinContextMain})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	parsed, err := models.ParseJoinParams(params)
	if err != nil || !parsed.IsRTMP() {
		t.Fatalf("unexpected params %+v (%v)", params, err)
	}
	sent := g.methodCalls(methodJoinGroupCall)[0].Params
	joinCtx, _ := sent["join_context"].(map[string]any)
	if joinCtx["type"] != "main" {
		t.Fatalf("unexpected join context %+v", sent)
	}
	call, _ := sent["call"].(map[string]any)
	if call["id"] != "555" || call["access_hash"] != "987654321" {
		t.Fatalf("unexpected call %+v", call)
	}
}

func TestAPIErrorsSurfaceTyped(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) {
		return apiErr(400, models.ErrTypeGroupCallJoinMissing)
	})
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	client := newTestClient(t, g, Config{MaxAttempts: 3})
	_, err := client.FetchRTMPState(context.Background(), testCall)
	if !errors.Is(err, models.ErrSessionMissing) {
		t.Fatalf("expected session missing, got %v", err)
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != 1 {
		t.Fatalf("api errors must not be retried, got %d attempts", n)
	}
}

func TestTemporaryFailuresAreRetried(t *testing.T) {
	g := newGateway(t)
	var attempts atomic.Int32
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) {
		if attempts.Add(1) < 3 {
			return http.StatusBadGateway, "upstream down"
		}
		return ok(activeDescriptor(4))
	})
	client := newTestClient(t, g, Config{MaxAttempts: 3, RetryInterval: time.Millisecond})
	full, err := client.GetGroupCallFull(context.Background(), testCall)
	if err != nil {
		t.Fatalf("get call: %v", err)
	}
	if full.StreamDCID != 4 || !full.RTMPStream {
		t.Fatalf("unexpected call %+v", full)
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) {
		return http.StatusUnauthorized, "bad token"
	})
	client := newTestClient(t, g, Config{MaxAttempts: 3})
	_, err := client.GetGroupCallFull(context.Background(), testCall)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status error, got %v", err)
	}
	if n := len(g.methodCalls(methodGetGroupCall)); n != 1 {
		t.Fatalf("expected one attempt, got %d", n)
	}
}

func TestMalformedResponse(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return http.StatusOK, "not json" })
	client := newTestClient(t, g, Config{MaxAttempts: 2})
	_, err := client.GetGroupCallFull(context.Background(), testCall)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if n := len(g.methodCalls(methodGetGroupCall)); n != 1 {
		t.Fatalf("expected one attempt, got %d", n)
	}
}

func TestHangUpLeaveAndDiscard(t *testing.T) {
	g := newGateway(t)
	g.handle(methodLeaveGroupCall, func(gatewayCall) (int, any) { return ok(map[string]any{}) })
	g.handle(methodDiscardGroupCall, func(gatewayCall) (int, any) { return ok(map[string]any{}) })
	client := newTestClient(t, g, Config{})
	if err := client.HangUp(context.Background(), testCall, models.HangUpRequest{SSRC: 77}); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := client.HangUp(context.Background(), testCall, models.HangUpRequest{Discard: true}); err != nil {
		t.Fatalf("discard: %v", err)
	}
	leaves := g.methodCalls(methodLeaveGroupCall)
	if len(leaves) != 1 || leaves[0].Params["source"] != float64(77) {
		t.Fatalf("unexpected leave calls %+v", leaves)
	}
	discards := g.methodCalls(methodDiscardGroupCall)
	if len(discards) != 1 {
		t.Fatalf("expected one discard, got %d", len(discards))
	}
	if _, ok := discards[0].Params["source"]; ok {
		t.Fatal("discard must not carry a source")
	}
}

func TestFetchRTMPStateUsesStreamDC(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) {
		return ok(map[string]any{"channels": []map[string]any{{"channel": 1, "scale": 0, "last_timestamp_ms": "1700"}}})
	})
	recorder := metrics.New()
	client := newTestClient(t, g, Config{Metrics: recorder})
	state, err := client.FetchRTMPState(context.Background(), testCall)
	if err != nil {
		t.Fatalf("fetch state: %v", err)
	}
	if state.DCID != 4 || len(state.Channels) != 1 || state.Channels[0].LastTimestampMS != "1700" {
		t.Fatalf("unexpected state %+v", state)
	}
	if state.FetchedAt.IsZero() {
		t.Fatal("expected fetch time")
	}
	calls := g.methodCalls(methodGetStreamChannels)
	if len(calls) != 1 || calls[0].DC != "4" {
		t.Fatalf("expected request routed to dc 4, got %+v", calls)
	}
	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, family := range families {
		if strings.HasSuffix(family.GetName(), "rpc_duration_seconds") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected rpc latency recorded")
	}
}

func TestFetchRTMPStateFallsBackToBaseDC(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(0)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) { return ok(map[string]any{"channels": []any{}}) })
	client := newTestClient(t, g, Config{BaseDC: 5})
	state, err := client.FetchRTMPState(context.Background(), testCall)
	if err != nil {
		t.Fatalf("fetch state: %v", err)
	}
	if state.DCID != 5 || g.methodCalls(methodGetStreamChannels)[0].DC != "5" {
		t.Fatalf("expected base dc, got %+v", state)
	}
}

func TestFetchRTMPStateDiscardedCall(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) {
		return ok(map[string]any{"_": "groupCallDiscarded", "id": "555"})
	})
	client := newTestClient(t, g, Config{})
	if _, err := client.FetchRTMPState(context.Background(), testCall); !errors.Is(err, ErrCallDiscarded) {
		t.Fatalf("expected discarded error, got %v", err)
	}
	if len(g.methodCalls(methodGetStreamChannels)) != 0 {
		t.Fatal("expected no channel request for a discarded call")
	}
}

func TestFetchRTMPStateFollowsMigrate(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(2)) })
	g.handle(methodGetStreamChannels, func(call gatewayCall) (int, any) {
		if call.DC != "3" {
			return apiErr(303, "CALL_MIGRATE_3")
		}
		return ok(map[string]any{"channels": []map[string]any{{"channel": 1, "scale": 0, "last_timestamp_ms": "1"}}})
	})
	client := newTestClient(t, g, Config{})
	state, err := client.FetchRTMPState(context.Background(), testCall)
	if err != nil {
		t.Fatalf("fetch state: %v", err)
	}
	if state.DCID != 3 {
		t.Fatalf("expected migrated dc, got %d", state.DCID)
	}
	if n := len(g.methodCalls(methodGetGroupCall)); n != 1 {
		t.Fatalf("migrate must not refetch the descriptor, got %d", n)
	}
}

func TestFetchRTMPStateMigrateLoopIsBounded(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(2)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) { return apiErr(303, "CALL_MIGRATE_2") })
	client := newTestClient(t, g, Config{})
	if _, err := client.FetchRTMPState(context.Background(), testCall); err == nil {
		t.Fatal("expected error after repeated migration")
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != maxRelayStateMigrateRoutes+1 {
		t.Fatalf("expected %d attempts, got %d", maxRelayStateMigrateRoutes+1, n)
	}
}

func TestFetchRTMPStateRetriesInvalid(t *testing.T) {
	g := newGateway(t)
	var channelCalls atomic.Int32
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) {
		if channelCalls.Add(1) <= 2 {
			return apiErr(400, models.ErrTypeGroupCallInvalid)
		}
		return ok(map[string]any{"channels": []any{}})
	})
	client := newTestClient(t, g, Config{})
	if _, err := client.FetchRTMPState(context.Background(), testCall); err != nil {
		t.Fatalf("fetch state: %v", err)
	}
	if n := len(g.methodCalls(methodGetGroupCall)); n != 3 {
		t.Fatalf("expected the descriptor refetched per retry, got %d", n)
	}
}

func TestFetchRTMPStateInvalidGivesUp(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) { return apiErr(400, models.ErrTypeGroupCallInvalid) })
	client := newTestClient(t, g, Config{})
	_, err := client.FetchRTMPState(context.Background(), testCall)
	if models.APIErrorType(err) != models.ErrTypeGroupCallInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != maxRelayStateInvalidRetry+1 {
		t.Fatalf("expected %d attempts, got %d", maxRelayStateInvalidRetry+1, n)
	}
}

func TestFetchRTMPStateCachesOutcome(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) { return apiErr(500, "INTERNAL") })
	client := newTestClient(t, g, Config{StateCacheTTL: time.Minute})
	now := time.Unix(1700000000, 0)
	client.now = func() time.Time { return now }

	first, firstErr := client.FetchRTMPState(context.Background(), testCall)
	second, secondErr := client.FetchRTMPState(context.Background(), testCall)
	if firstErr == nil || secondErr == nil || first.DCID != second.DCID {
		t.Fatalf("expected the cached failure twice, got %v / %v", firstErr, secondErr)
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != 1 {
		t.Fatalf("expected one upstream request, got %d", n)
	}

	now = now.Add(2 * time.Minute)
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) { return ok(map[string]any{"channels": []any{}}) })
	if _, err := client.FetchRTMPState(context.Background(), testCall); err != nil {
		t.Fatalf("expected a fresh fetch after expiry, got %v", err)
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != 2 {
		t.Fatalf("expected a second upstream request, got %d", n)
	}
}

func TestFetchRTMPStateSharesInFlightRequest(t *testing.T) {
	g := newGateway(t)
	release := make(chan struct{})
	g.handle(methodGetGroupCall, func(gatewayCall) (int, any) { return ok(activeDescriptor(4)) })
	g.handle(methodGetStreamChannels, func(gatewayCall) (int, any) {
		<-release
		return ok(map[string]any{"channels": []any{}})
	})
	client := newTestClient(t, g, Config{})

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.FetchRTMPState(context.Background(), testCall)
			errs <- err
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(g.methodCalls(methodGetStreamChannels)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never reached the gateway")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("fetch state: %v", err)
		}
	}
	if n := len(g.methodCalls(methodGetStreamChannels)); n != 1 {
		t.Fatalf("expected a single shared request, got %d", n)
	}
}

func TestFetchRTMPPart(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetFile, func(call gatewayCall) (int, any) {
		location, _ := call.Params["location"].(map[string]any)
		if location["time_ms"] == "0" {
			return ok(map[string]any{"bytes": ""})
		}
		return ok(map[string]any{"bytes": []byte("segment")})
	})
	client := newTestClient(t, g, Config{})
	location := models.StreamLocation{Call: testCall, VideoChannel: models.UnifiedChannelID, VideoQuality: models.UnifiedQuality, Scale: 0, TimeMS: "1700"}
	data, err := client.FetchRTMPPart(context.Background(), location, 4)
	if err != nil {
		t.Fatalf("fetch part: %v", err)
	}
	if string(data) != "segment" {
		t.Fatalf("unexpected segment %q", data)
	}
	sent := g.methodCalls(methodGetFile)[0]
	if sent.DC != "4" || sent.Params["limit"] != float64(models.SegmentLimit) || sent.Params["offset"] != float64(0) {
		t.Fatalf("unexpected request %+v", sent)
	}

	location.TimeMS = "0"
	data, err = client.FetchRTMPPart(context.Background(), location, 4)
	if err != nil || data != nil {
		t.Fatalf("expected empty segment without error, got %q / %v", data, err)
	}
}

func TestFetchRTMPURL(t *testing.T) {
	g := newGateway(t)
	g.handle(methodGetStreamRTMPURL, func(call gatewayCall) (int, any) {
		if call.Params["revoke"] == true {
			return ok(map[string]any{"url": "rtmps://dc4.example:443/s/", "key": "rotated"})
		}
		return ok(map[string]any{"url": "rtmps://dc4.example:443/s/", "key": "current"})
	})
	client := newTestClient(t, g, Config{})
	url, err := client.FetchRTMPURL(context.Background(), models.ChatID(123).PeerID(), false)
	if err != nil || url.Key != "current" {
		t.Fatalf("unexpected url %+v (%v)", url, err)
	}
	url, err = client.FetchRTMPURL(context.Background(), models.ChatID(123).PeerID(), true)
	if err != nil || url.Key != "rotated" {
		t.Fatalf("unexpected url %+v (%v)", url, err)
	}
	if g.methodCalls(methodGetStreamRTMPURL)[0].Params["peer"] != float64(-123) {
		t.Fatal("expected the chat addressed by its peer id")
	}
}
