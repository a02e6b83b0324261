package source

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/telemetry"
)

// LiveConfig configures the live push subscription.
type LiveConfig struct {
	URL        string // websocket endpoint of the ingest gateway
	UpdateRate int    // requested updates per second
	Header     http.Header
}

// liveEnvelope is the wire shape of a live push message. Exactly one of
// the payload fields is set per message.
type liveEnvelope struct {
	Type   string            `json:"type"` // subscribe, timing, frame, ack
	Timing *TimingSnapshot   `json:"timing,omitempty"`
	Frame  *telemetry.Sample `json:"frame,omitempty"`

	// subscribe/ack fields
	SessionID  string `json:"sessionId,omitempty"`
	SubStream  string `json:"subStreamName,omitempty"`
	FrameID    string `json:"frameId,omitempty"`
	UpdateRate int    `json:"updateRate,omitempty"`
}

// LiveAdapter subscribes to a push feed over a websocket and forwards
// every inbound timing snapshot and telemetry frame verbatim to its
// listeners. Connection state is the socket's own state: a read error
// marks the adapter disconnected.
type LiveAdapter struct {
	cfg       LiveConfig
	listeners *listeners

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	connected bool
	done      chan struct{}
}

// NewLiveAdapter builds a live adapter.
func NewLiveAdapter(cfg LiveConfig) *LiveAdapter {
	if cfg.UpdateRate <= 0 {
		cfg.UpdateRate = 10
	}
	return &LiveAdapter{
		cfg:       cfg,
		listeners: newListeners(),
	}
}

// Connect dials the gateway and requests a subscription keyed by session
// id and update rate. A failed dial or subscribe leaves the adapter
// disconnected and retryable.
func (l *LiveAdapter) Connect(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	if l.connected {
		l.mu.Unlock()
		return fmt.Errorf("live: already connected")
	}
	l.mu.Unlock()

	if l.cfg.URL == "" {
		return fmt.Errorf("live: no gateway URL configured")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.URL, l.cfg.Header)
	if err != nil {
		return fmt.Errorf("live: dial %s: %w", l.cfg.URL, err)
	}

	sub := liveEnvelope{
		Type:       "subscribe",
		SessionID:  sessionID,
		UpdateRate: l.cfg.UpdateRate,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("live: subscribe %s: %w", sessionID, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.done = make(chan struct{})
	l.mu.Unlock()

	monitoring.Logf("live: subscribed to session %s at %d Hz", sessionID, l.cfg.UpdateRate)
	go l.readLoop(conn)
	return nil
}

// readLoop forwards inbound messages until the socket dies.
func (l *LiveAdapter) readLoop(conn *websocket.Conn) {
	defer close(l.done)
	for {
		var env liveEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			l.mu.Lock()
			wasConnected := l.connected
			l.connected = false
			l.mu.Unlock()
			if wasConnected {
				monitoring.Logf("live: read loop ended: %v", err)
			}
			return
		}
		switch env.Type {
		case "timing":
			if env.Timing != nil {
				l.listeners.emitTiming(*env.Timing)
			}
		case "frame":
			if env.Frame != nil {
				l.listeners.emitFrame(*env.Frame)
			}
		}
	}
}

// Ack echoes a frame acknowledgment upstream. Fits the pipeline's
// AckFunc signature via a closure.
func (l *LiveAdapter) Ack(sessionID, subStream, frameID string) error {
	l.mu.Lock()
	conn := l.conn
	connected := l.connected
	l.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("live: not connected")
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return conn.WriteJSON(liveEnvelope{
		Type:      "ack",
		SessionID: sessionID,
		SubStream: subStream,
		FrameID:   frameID,
	})
}

// Disconnect closes the socket and stops callback delivery. Idempotent
// and safe even if Connect was never called or already failed.
func (l *LiveAdapter) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	done := l.done
	l.conn = nil
	l.connected = false
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

// OnTiming registers a timing listener.
func (l *LiveAdapter) OnTiming(fn func(TimingSnapshot)) telemetry.Unsubscribe {
	return l.listeners.onTiming(fn)
}

// OnFrame registers a frame listener.
func (l *LiveAdapter) OnFrame(fn func(telemetry.Sample)) telemetry.Unsubscribe {
	return l.listeners.onFrame(fn)
}

// IsConnected reports the socket's status.
func (l *LiveAdapter) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}
