// Package relaylink implements the Relay Link: the broker's single
// outbound WebSocket connection to the Relay messaging fabric. It owns
// reconnection, channel re-subscription, and the translation of socket
// lifecycle transitions into synthetic broker.connection/broker.channel_join
// notifications the Router can route like any other inbound event.
//
// Grounded on pkg/relay/ws_relay.go's WSAgent: an outbound-dialing node
// agent with a reconnect loop selecting on ctx/stopCh, a JSON registration
// handshake, and a heartbeat ticker — adapted here from a command-execution
// tunnel to a message-relay subscription, and from WSAgent's configurable
// ReconnectInterval to this component's fixed 2-second backoff.
package relaylink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/agentrelay/broker/pkg/logger"
)

// ReconnectBackoff is the fixed delay between connection attempts. Unlike
// WSAgent's configurable ReconnectInterval, this is not a knob: it's fixed,
// relying on the underlying client's own per-attempt handling for anything
// fancier.
const ReconnectBackoff = 2 * time.Second

// HandshakeTimeout bounds the WebSocket dial and registration exchange.
const HandshakeTimeout = 10 * time.Second

// TokenSource supplies the current bearer token and lets the Link request
// a rotation after an auth failure. Backed by the credential store.
type TokenSource interface {
	Token() string
	Rotate(ctx context.Context) (string, error)
}

// Config bundles a Link's construction parameters.
type Config struct {
	BaseURL  string
	AgentName string
	Channels []string
	Tokens   TokenSource
}

// Link owns the live connection. Run is the only blocking entry point;
// everything else is read-only status.
type Link struct {
	cfg Config

	mu        sync.RWMutex
	connected bool
	conn      *websocket.Conn
	outbound  chan wsEnvelope
}

// New constructs a Link, not yet connected.
func New(cfg Config) *Link {
	return &Link{cfg: cfg, outbound: make(chan wsEnvelope, 32)}
}

// PublishDigest implements digest.Publisher: it queues a broker.digest
// notification for delivery on the current (or next) connection. A Link
// with no live connection buffers up to the outbound channel's capacity
// and drops the oldest-pending digest rather than block the caller, since
// a missed digest is not worth stalling the scheduler over.
func (l *Link) PublishDigest(ctx context.Context, text string) error {
	env := wsEnvelope{Type: "broker.digest"}
	env.Payload, _ = json.Marshal(map[string]any{"text": text})
	select {
	case l.outbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		select {
		case <-l.outbound:
		default:
		}
		select {
		case l.outbound <- env:
			return nil
		default:
			return fmt.Errorf("relaylink: outbound queue full, digest dropped")
		}
	}
}

// IsConnected reports the current socket state for status reporting.
func (l *Link) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// wsEnvelope is the wire shape used for both registration and relay
// traffic: a discriminator plus a raw payload the Router parses itself.
type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Run loops forever: construct a client with the current token, connect,
// re-subscribe, and pump events onto inbound until the connection drops or
// ctx is cancelled. inbound receives raw relay-event JSON (forwarded
// opaquely for the Router to map) plus the synthetic broker.connection /
// broker.channel_join notifications this Link synthesizes itself.
func (l *Link) Run(ctx context.Context, inbound chan<- []byte) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := l.connectAndPump(ctx, inbound, attempt)
		if err != nil {
			logger.WarnCF("relaylink", "connection lost", map[string]any{"err": err.Error(), "retry_in": ReconnectBackoff})
			_ = l.emitConnection(ctx, inbound, "disconnected")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectBackoff):
		}
		attempt++
	}
}

func (l *Link) connectAndPump(ctx context.Context, inbound chan<- []byte, attempt int) error {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	wsURL := wsURLFor(l.cfg.BaseURL)
	token := l.cfg.Tokens.Token()

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if rotated, rerr := l.tryRotate(ctx, err); rerr == nil && rotated {
			return fmt.Errorf("dial relay (token rotated, will retry): %w", err)
		}
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "link stopping")

	reg := wsEnvelope{Type: "register"}
	reg.Payload, _ = json.Marshal(map[string]any{"agent_name": l.cfg.AgentName, "channels": l.cfg.Channels})
	if err := wsjson.Write(dialCtx, conn, reg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	var ack wsEnvelope
	if err := wsjson.Read(dialCtx, conn, &ack); err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}

	l.setConnected(true)
	l.setConn(conn)
	defer l.setConnected(false)
	defer l.setConn(nil)

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go l.pumpOutbound(pumpCtx, conn)

	state := "connected"
	if attempt > 0 {
		state = "reconnected"
	}
	if err := l.emitConnection(ctx, inbound, state); err != nil {
		return err
	}
	for _, ch := range l.cfg.Channels {
		if err := l.emitChannelJoin(ctx, inbound, ch); err != nil {
			return err
		}
	}

	for {
		var env wsEnvelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return fmt.Errorf("relay read: %w", err)
		}
		if env.Type == "lagged" {
			logger.WarnCF("relaylink", "broadcast lag reported", nil)
			continue
		}
		raw := env.Payload
		if raw == nil {
			b, _ := json.Marshal(env)
			raw = b
		}
		select {
		case inbound <- raw:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Link) tryRotate(ctx context.Context, cause error) (bool, error) {
	if !looksLikeAuthFailure(cause) {
		return false, nil
	}
	_, err := l.cfg.Tokens.Rotate(ctx)
	if err != nil {
		logger.WarnCF("relaylink", "token rotation failed, retrying with old token", map[string]any{"err": err.Error()})
		return false, err
	}
	return true, nil
}

func looksLikeAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized")
}

func (l *Link) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func (l *Link) setConn(c *websocket.Conn) {
	l.mu.Lock()
	l.conn = c
	l.mu.Unlock()
}

// pumpOutbound drains queued outbound envelopes (digests, replies) onto the
// live connection until the connection drops or ctx is cancelled.
func (l *Link) pumpOutbound(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-l.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
			err := wsjson.Write(writeCtx, conn, env)
			cancel()
			if err != nil {
				logger.WarnCF("relaylink", "outbound write failed", map[string]any{"err": err.Error()})
				return
			}
		}
	}
}

// emitConnection and emitChannelJoin push synthetic notifications onto the
// shared inbound sink. They block under backpressure exactly like a real
// relay event would, rather than risk silently dropping a lifecycle
// transition the audit trail depends on.
func (l *Link) emitConnection(ctx context.Context, inbound chan<- []byte, state string) error {
	b, _ := json.Marshal(map[string]any{"type": "broker.connection", "state": state})
	select {
	case inbound <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) emitChannelJoin(ctx context.Context, inbound chan<- []byte, channel string) error {
	b, _ := json.Marshal(map[string]any{"type": "broker.channel_join", "channel": channel})
	select {
	case inbound <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func wsURLFor(base string) string {
	u := base
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	} else if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		u = "wss://" + u
	}
	if !strings.Contains(u, "/relay/") {
		u = strings.TrimRight(u, "/") + "/relay/events"
	}
	return u
}
