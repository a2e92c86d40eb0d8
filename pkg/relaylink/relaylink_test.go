package relaylink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestWsURLFor(t *testing.T) {
	cases := map[string]string{
		"https://relay.example.com":      "wss://relay.example.com/relay/events",
		"http://localhost:8080":          "ws://localhost:8080/relay/events",
		"relay.example.com":              "wss://relay.example.com/relay/events",
		"wss://relay.example.com/relay/events": "wss://relay.example.com/relay/events",
	}
	for in, want := range cases {
		if got := wsURLFor(in); got != want {
			t.Errorf("wsURLFor(%q) = %q, want %q", in, got, want)
		}
	}
}

type staticTokens struct{ tok string }

func (s *staticTokens) Token() string { return s.tok }
func (s *staticTokens) Rotate(ctx context.Context) (string, error) { return s.tok, nil }

func TestLink_NotConnectedInitially(t *testing.T) {
	l := New(Config{BaseURL: "wss://example.com", Tokens: &staticTokens{tok: "x"}})
	if l.IsConnected() {
		t.Fatal("expected not connected before Run")
	}
}

// TestLink_ConnectsRegistersAndEmitsLifecycle spins up a tiny WebSocket
// server that performs the registration handshake and then pushes one
// relay event, verifying the Link surfaces both the synthetic lifecycle
// notifications and the forwarded event on its inbound sink.
func TestLink_ConnectsRegistersAndEmitsLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := context.Background()

		var reg wsEnvelope
		if err := wsjson.Read(ctx, conn, &reg); err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, wsEnvelope{Type: "registered"})

		payload, _ := json.Marshal(map[string]string{"type": "dm.received", "id": "m1"})
		_ = wsjson.Write(ctx, conn, wsEnvelope{Type: "relay_event", Payload: payload})

		<-r.Context().Done()
	}))
	defer srv.Close()

	l := New(Config{
		BaseURL:   srv.URL,
		AgentName: "broker",
		Channels:  []string{"general"},
		Tokens:    &staticTokens{tok: "test-token"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inbound := make(chan []byte, 16)
	go l.Run(ctx, inbound)

	seenConnection, seenChannelJoin, seenEvent := false, false, false
	deadline := time.After(3 * time.Second)
	for !(seenConnection && seenChannelJoin && seenEvent) {
		select {
		case raw := <-inbound:
			var m map[string]any
			_ = json.Unmarshal(raw, &m)
			switch m["type"] {
			case "broker.connection":
				seenConnection = true
			case "broker.channel_join":
				seenChannelJoin = true
			case "dm.received":
				seenEvent = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for lifecycle+event; got connection=%v join=%v event=%v",
				seenConnection, seenChannelJoin, seenEvent)
		}
	}
}
