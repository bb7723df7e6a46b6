package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livecall/internal/calls"
	"livecall/internal/models"
)

const (
	testChatID models.ChatID = 321
	testCallID int64         = 777
)

type stubGateway struct{}

func (stubGateway) GetChatFull(_ context.Context, chatID models.ChatID) (models.ChatFull, error) {
	return models.ChatFull{
		Kind: models.ChatFullKindChannel,
		ID:   chatID,
		Call: &models.InputGroupCall{ID: testCallID, AccessHash: 9},
	}, nil
}

func (stubGateway) GetGroupCallFull(_ context.Context, call models.InputGroupCall) (models.GroupCall, error) {
	return models.GroupCall{Kind: models.GroupCallKindActive, ID: call.ID, AccessHash: call.AccessHash, RTMPStream: true}, nil
}

func (stubGateway) JoinGroupCall(context.Context, models.InputGroupCall, models.DataJSON, models.JoinContext) (models.DataJSON, error) {
	return models.DataJSON{Data: `{"rtmp":true}`}, nil
}

func (stubGateway) HangUp(context.Context, models.InputGroupCall, models.HangUpRequest) error {
	return nil
}

func (stubGateway) FetchRTMPState(context.Context, models.InputGroupCall) (models.RelayState, error) {
	return models.RelayState{}, nil
}

func (stubGateway) FetchRTMPPart(context.Context, models.StreamLocation, int) ([]byte, error) {
	return nil, nil
}

func newController(t *testing.T) *calls.Controller {
	t.Helper()
	controller, err := calls.NewController(calls.Config{Profiles: stubGateway{}, GroupCalls: stubGateway{}})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return controller
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("decode event %s: %v", payload, err)
	}
	return event
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", want, hub.Clients())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubStreamsSessionLifecycle(t *testing.T) {
	controller := newController(t)
	hub := NewHub(HubConfig{})
	detach := hub.Attach(controller, nil)
	defer detach()

	conn := dial(t, hub)
	initial := readEvent(t, conn)
	if initial.Type != TypeCallChanged || initial.Call != nil {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}
	waitForClients(t, hub, 1)

	if err := controller.JoinCall(context.Background(), testChatID); err != nil {
		t.Fatalf("join: %v", err)
	}
	started := readEvent(t, conn)
	if started.Type != TypeStartedJoining {
		t.Fatalf("expected started_joining, got %+v", started)
	}
	changed := readEvent(t, conn)
	if changed.Type != TypeCallChanged || changed.Call == nil || changed.Call.CallID != testCallID {
		t.Fatalf("expected call_changed for the joined call, got %+v", changed)
	}

	if err := controller.LeaveCall(context.Background(), false); err != nil {
		t.Fatalf("leave: %v", err)
	}
	cleared := readEvent(t, conn)
	if cleared.Type != TypeCallChanged || cleared.Call != nil {
		t.Fatalf("expected cleared call_changed, got %+v", cleared)
	}
}

func TestHubSendsCurrentCallOnConnect(t *testing.T) {
	controller := newController(t)
	if err := controller.JoinCall(context.Background(), testChatID); err != nil {
		t.Fatalf("join: %v", err)
	}
	hub := NewHub(HubConfig{})
	defer hub.Attach(controller, nil)()

	conn := dial(t, hub)
	initial := readEvent(t, conn)
	if initial.Call == nil || initial.Call.ChatID != testChatID {
		t.Fatalf("expected the current call on connect, got %+v", initial)
	}
}

func TestHubAnswersPingAndRejectsUnknownCommands(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := dial(t, hub)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if event := readEvent(t, conn); event.Type != TypePong {
		t.Fatalf("expected pong, got %+v", event)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join"}`)); err != nil {
		t.Fatalf("write command: %v", err)
	}
	if event := readEvent(t, conn); event.Type != TypeError || event.Error != "unknown command" {
		t.Fatalf("expected unknown command error, got %+v", event)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if event := readEvent(t, conn); event.Type != TypeError || event.Error != "invalid payload" {
		t.Fatalf("expected invalid payload error, got %+v", event)
	}
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	hub := NewHub(HubConfig{})
	conn := dial(t, hub)
	waitForClients(t, hub, 1)

	if err := hub.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForClients(t, hub, 0)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
}

func TestHubRejectsPlainHTTP(t *testing.T) {
	hub := NewHub(HubConfig{})
	rec := httptest.NewRecorder()
	hub.HandleConnection(rec, httptest.NewRequest(http.MethodGet, "/v1/call/events", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a non-upgrade request, got %d", rec.Code)
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected no clients, got %d", hub.Clients())
	}
}
