package transport_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/realtime-mux/internal/transport"
	"github.com/rickgao/realtime-mux/internal/transport/wstest"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestServer(t *testing.T, codec transport.Codec) (*wstest.Server, *httptest.Server) {
	t.Helper()
	srv := wstest.NewServer(codec, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return srv, hs
}

func testConfig(url string, codec transport.Codec) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.URL = url
	cfg.Codec = codec
	cfg.RequestTimeout = time.Second
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.ReconnectMaxDelay = 50 * time.Millisecond
	cfg.BufferSize = 100
	return cfg
}

func connect(t *testing.T, cfg transport.Config) *transport.WebSocket {
	t.Helper()
	ws := transport.NewWebSocket(cfg, nil)
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { ws.Disconnect() })
	waitSignal(t, ws, transport.SignalConnecting)
	waitSignal(t, ws, transport.SignalOpen)
	return ws
}

func waitSignal(t *testing.T, ws *transport.WebSocket, want transport.Signal) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ws.Signals():
			if !ok {
				t.Fatalf("signals closed waiting for %v", want)
			}
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for signal %v", want)
		}
	}
}

func nextMessage(t *testing.T, ws *transport.WebSocket) transport.Message {
	t.Helper()
	select {
	case msg := <-ws.Messages():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return transport.Message{}
	}
}

func TestWebSocket_JoinAndReceive(t *testing.T) {
	for _, codec := range []transport.Codec{transport.JSONCodec{}, transport.CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			srv, hs := newTestServer(t, codec)
			ws := connect(t, testConfig(wsURL(hs), codec))

			if err := ws.JoinChannel(context.Background(), "chat:1"); err != nil {
				t.Fatalf("JoinChannel failed: %v", err)
			}
			if srv.Members("chat:1") != 1 {
				t.Errorf("Members = %d, want 1", srv.Members("chat:1"))
			}

			payloads := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
			for _, p := range payloads {
				srv.Broadcast("chat:1", "new_msg", []byte(p))
			}

			for i, want := range payloads {
				msg := nextMessage(t, ws)
				if msg.Err != nil {
					t.Fatalf("message %d: unexpected error %v", i, msg.Err)
				}
				if msg.Channel != "chat:1" || msg.Type != "new_msg" {
					t.Errorf("message %d: got %s/%s", i, msg.Channel, msg.Type)
				}
				if string(msg.Payload) != want {
					t.Errorf("message %d: payload %s, want %s", i, msg.Payload, want)
				}
				if msg.ReceivedAt.IsZero() {
					t.Error("ReceivedAt should not be zero")
				}
			}
		})
	}
}

func TestWebSocket_JoinRejected(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	srv.Reject("admin:1", "forbidden")
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	err := ws.JoinChannel(context.Background(), "admin:1")
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("JoinChannel error = %v, want ErrRejected", err)
	}

	var replyErr *transport.ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("expected *ReplyError, got %T", err)
	}
	if replyErr.Reason != "forbidden" {
		t.Errorf("Reason = %q, want forbidden", replyErr.Reason)
	}
}

func TestWebSocket_JoinTimeout(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	srv.IgnoreJoins(true)
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ws.JoinChannel(ctx, "chat:1")
	if !errors.Is(err, transport.ErrTimeout) {
		t.Errorf("JoinChannel error = %v, want ErrTimeout", err)
	}
	if got := ws.Stats().PendingReplies; got != 0 {
		t.Errorf("PendingReplies = %d, want 0", got)
	}
}

func TestWebSocket_LeaveStopsDelivery(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	if err := ws.JoinChannel(context.Background(), "chat:1"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}
	if err := ws.LeaveChannel(context.Background(), "chat:1"); err != nil {
		t.Fatalf("LeaveChannel failed: %v", err)
	}
	if srv.LeaveCount("chat:1") != 1 {
		t.Errorf("LeaveCount = %d, want 1", srv.LeaveCount("chat:1"))
	}

	if err := ws.JoinChannel(context.Background(), "chat:2"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}
	srv.Broadcast("chat:2", "new_msg", []byte(`{}`))

	msg := nextMessage(t, ws)
	if msg.Channel != "chat:2" {
		t.Errorf("Channel = %q, want chat:2", msg.Channel)
	}
}

func TestWebSocket_SendOnChannel(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))
	ctx := context.Background()

	if err := ws.SendOnChannel(ctx, "chat:1", "typing", []byte(`{}`)); !errors.Is(err, transport.ErrNotJoined) {
		t.Errorf("send before join error = %v, want ErrNotJoined", err)
	}

	if err := ws.JoinChannel(ctx, "chat:1"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}

	if err := ws.SendOnChannel(ctx, "chat:1", transport.EventJoin, nil); !errors.Is(err, transport.ErrReservedEvent) {
		t.Errorf("reserved event error = %v, want ErrReservedEvent", err)
	}

	if err := ws.SendOnChannel(ctx, "chat:1", "typing", []byte(`{"user":"a"}`)); err != nil {
		t.Fatalf("SendOnChannel failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(srv.Received()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	got := srv.Received()
	if len(got) != 1 {
		t.Fatalf("server received %d events, want 1", len(got))
	}
	if got[0].Topic != "chat:1" || got[0].Event != "typing" || string(got[0].Payload) != `{"user":"a"}` {
		t.Errorf("received = %+v", got[0])
	}
}

func TestWebSocket_Revoke(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	if err := ws.JoinChannel(context.Background(), "chat:1"); err != nil {
		t.Fatalf("JoinChannel failed: %v", err)
	}
	srv.Revoke("chat:1", "kicked")

	msg := nextMessage(t, ws)
	if !errors.Is(msg.Err, transport.ErrRevoked) {
		t.Fatalf("Err = %v, want ErrRevoked", msg.Err)
	}
	var chErr *transport.ChannelError
	if !errors.As(msg.Err, &chErr) || chErr.Reason != "kicked" {
		t.Errorf("ChannelError = %+v", chErr)
	}
	if len(ws.Stats().JoinedChannels) != 0 {
		t.Errorf("JoinedChannels = %v, want none", ws.Stats().JoinedChannels)
	}
}

func TestWebSocket_ReconnectReportsLostChannels(t *testing.T) {
	srv, hs := newTestServer(t, transport.JSONCodec{})
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	for _, name := range []string{"chat:1", "notif:42"} {
		if err := ws.JoinChannel(context.Background(), name); err != nil {
			t.Fatalf("JoinChannel(%s) failed: %v", name, err)
		}
	}

	srv.DropConnections()

	lost := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := nextMessage(t, ws)
		if !errors.Is(msg.Err, transport.ErrConnectionLost) {
			t.Fatalf("Err = %v, want ErrConnectionLost", msg.Err)
		}
		lost[msg.Channel] = true
	}
	if !lost["chat:1"] || !lost["notif:42"] {
		t.Errorf("lost = %v, want chat:1 and notif:42", lost)
	}

	waitSignal(t, ws, transport.SignalConnecting)
	waitSignal(t, ws, transport.SignalOpen)

	if err := ws.JoinChannel(context.Background(), "chat:1"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if srv.JoinCount("chat:1") != 2 {
		t.Errorf("JoinCount = %d, want 2", srv.JoinCount("chat:1"))
	}
}

func TestWebSocket_DialRetriesUntilServerUp(t *testing.T) {
	srv := wstest.NewServer(transport.JSONCodec{}, nil)

	var attempts atomic.Int32
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	defer hs.Close()

	ws := transport.NewWebSocket(testConfig(wsURL(hs), transport.JSONCodec{}), nil)
	defer ws.Disconnect()

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitSignal(t, ws, transport.SignalOpen)

	stats := ws.Stats()
	if stats.Dials != 3 {
		t.Errorf("Dials = %d, want 3", stats.Dials)
	}
	if stats.DialFailures != 2 {
		t.Errorf("DialFailures = %d, want 2", stats.DialFailures)
	}
	if !stats.Connected {
		t.Error("expected Connected after dial succeeded")
	}
}

func TestWebSocket_HeaderFuncPerDial(t *testing.T) {
	srv := wstest.NewServer(transport.JSONCodec{}, nil)

	var mu sync.Mutex
	var seen []string
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("X-Nonce")+"/"+r.Header.Get("X-Static"))
		mu.Unlock()
		srv.ServeHTTP(w, r)
	}))
	defer hs.Close()

	var calls atomic.Int32
	cfg := testConfig(wsURL(hs), transport.JSONCodec{})
	cfg.Header = http.Header{"X-Static": []string{"s"}}
	cfg.HeaderFunc = func() (http.Header, error) {
		n := calls.Add(1)
		return http.Header{"X-Nonce": []string{fmt.Sprintf("n%d", n)}}, nil
	}
	ws := connect(t, cfg)

	srv.DropConnections()
	waitSignal(t, ws, transport.SignalOpen)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("handshakes = %v, want 2", seen)
	}
	if seen[0] != "n1/s" || seen[1] != "n2/s" {
		t.Errorf("handshake headers = %v, want [n1/s n2/s]", seen)
	}
	if cfg.Header.Get("X-Nonce") != "" {
		t.Error("HeaderFunc output leaked into the static header")
	}
}

func TestWebSocket_NotConnected(t *testing.T) {
	ws := transport.NewWebSocket(testConfig("ws://localhost:12345", transport.JSONCodec{}), nil)

	if err := ws.JoinChannel(context.Background(), "chat:1"); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("JoinChannel error = %v, want ErrNotConnected", err)
	}
	if err := ws.LeaveChannel(context.Background(), "chat:1"); err != nil {
		t.Errorf("LeaveChannel while disconnected = %v, want nil", err)
	}
}

func TestWebSocket_DoubleDisconnect(t *testing.T) {
	_, hs := newTestServer(t, transport.JSONCodec{})
	ws := connect(t, testConfig(wsURL(hs), transport.JSONCodec{}))

	if err := ws.Disconnect(); err != nil {
		t.Errorf("first Disconnect failed: %v", err)
	}
	if err := ws.Disconnect(); err != nil {
		t.Errorf("second Disconnect failed: %v", err)
	}
	if err := ws.Connect(context.Background()); !errors.Is(err, transport.ErrAlreadyClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrAlreadyClosed", err)
	}

	if _, ok := <-ws.Messages(); ok {
		t.Error("expected messages channel to be closed")
	}
}
