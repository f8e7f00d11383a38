package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voicecast/voicecast/internal/signaling"
	pkglog "github.com/voicecast/voicecast/pkg/log"
)

// WSConfig holds WebSocket transport settings.
type WSConfig struct {
	URL            string        `mapstructure:"url"`
	Token          string        `mapstructure:"token"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

func (c *WSConfig) withDefaults() WSConfig {
	cfg := *c
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 65536
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return cfg
}

// WSTransport maintains one WebSocket connection to the relay, reconnecting
// with capped exponential backoff. Messages sent while the link is down fail
// with ErrUnavailable.
type WSTransport struct {
	cfg WSConfig

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	inbound chan *signaling.Message
	states  chan State

	done     chan struct{}
	stopOnce sync.Once
}

// NewWSTransport creates the transport and starts its connection loop.
func NewWSTransport(cfg WSConfig) *WSTransport {
	t := &WSTransport{
		cfg:     cfg.withDefaults(),
		inbound: make(chan *signaling.Message, 64),
		states:  make(chan State, 16),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

// Send writes one message to the relay. It fails fast when the link is down.
func (t *WSTransport) Send(ctx context.Context, msg *signaling.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrUnavailable
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(t.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Receive returns the inbound message stream.
func (t *WSTransport) Receive() <-chan *signaling.Message {
	return t.inbound
}

// States returns the link state stream.
func (t *WSTransport) States() <-chan State {
	return t.states
}

// Close shuts the transport down and closes the inbound stream.
func (t *WSTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
			t.conn = nil
		}
		t.mu.Unlock()
	})
	return nil
}

func (t *WSTransport) run() {
	l := pkglog.L().With().Str(pkglog.FieldComponent, "ws_transport").Logger()
	defer close(t.inbound)

	backoff := t.cfg.ReconnectMin
	for {
		select {
		case <-t.done:
			return
		default:
		}

		conn, err := t.dial()
		if err != nil {
			l.Warn().Err(err).Dur("backoff", backoff).Msg("relay dial failed")
			select {
			case <-t.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > t.cfg.ReconnectMax {
				backoff = t.cfg.ReconnectMax
			}
			continue
		}
		backoff = t.cfg.ReconnectMin

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.notify(StateConnected)
		l.Info().Str("url", t.cfg.URL).Msg("connected to relay")

		t.readLoop(conn, l)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		conn.Close()
		t.notify(StateDisconnected)
		l.Warn().Msg("relay connection lost")
	}
}

func (t *WSTransport) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.WriteWait}
	conn, _, err := dialer.Dial(t.cfg.URL, header)
	return conn, err
}

// readLoop pumps inbound messages until the connection dies. It also owns
// the ping ticker for this connection.
func (t *WSTransport) readLoop(conn *websocket.Conn, l zerolog.Logger) {
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go t.pingLoop(conn, pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("websocket read error")
			}
			return
		}

		msg, err := signaling.Decode(data)
		if err != nil {
			l.Warn().Err(err).Msg("dropping malformed signaling message")
			continue
		}

		select {
		case t.inbound <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *WSTransport) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) notify(s State) {
	select {
	case t.states <- s:
	default:
		// A consumer this far behind will resync from the next transition.
	}
}
