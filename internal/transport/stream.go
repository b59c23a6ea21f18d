package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"uptime_nexus/internal/egress"
	"uptime_nexus/internal/shared/types"
)

const (
	handshakeTimeout = 30 * time.Second
	writeWait        = 10 * time.Second
	eventBuffer      = 16
)

// ReadyState mirrors the low-level state of a duplex stream.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// EventKind 区分流上的异步通知类型。
type EventKind int

const (
	EventOpen EventKind = iota
	EventMessage
	EventError
	EventClose
)

// Event is one notification from a Stream. Code is set for EventClose,
// Data for EventMessage and Err for EventError.
type Event struct {
	Kind EventKind
	Data []byte
	Code int
	Err  error
}

// Stream 是一条长连接的双工消息流。Events 依次产生 open、message/error，
// 最后一个事件总是 close，随后通道关闭。
type Stream interface {
	Events() <-chan Event
	Send(v any) error
	State() ReadyState
	Close() error
}

// StreamDialer opens websocket streams to the configured endpoint.
type StreamDialer struct {
	url       string
	header    http.Header
	tlsConfig *tls.Config
}

// NewStreamDialer builds a dialer from the remote and common config sections.
// ca_file extends the system roots so a pinned remote certificate verifies.
func NewStreamDialer(remote types.RemoteConf, common types.CommonConf) (*StreamDialer, error) {
	tlsConfig, err := newTLSConfig(remote)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if common.UserAgent != "" {
		header.Set("User-Agent", common.UserAgent)
	}
	return &StreamDialer{url: remote.WebSocketURL, header: header, tlsConfig: tlsConfig}, nil
}

func newTLSConfig(remote types.RemoteConf) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: remote.InsecureSkipVerify}
	if remote.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(remote.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ca_file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca_file %s contains no PEM certificates", remote.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Dial connects through d. The returned stream has already queued its open event.
func (sd *StreamDialer) Dial(ctx context.Context, d egress.ContextDialer) (Stream, error) {
	dialer := websocket.Dialer{
		NetDialContext:   d.DialContext,
		TLSClientConfig:  sd.tlsConfig.Clone(),
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, sd.url, sd.header.Clone())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return newWSStream(conn), nil
}

type wsStream struct {
	conn      *websocket.Conn
	events    chan Event
	done      chan struct{}
	state     atomic.Int32
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	s := &wsStream{
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	s.state.Store(int32(StateOpen))
	s.events <- Event{Kind: EventOpen}
	go s.readPump()
	return s
}

func (s *wsStream) Events() <-chan Event { return s.events }

func (s *wsStream) State() ReadyState { return ReadyState(s.state.Load()) }

// readPump 是唯一写 events 的 goroutine。本地 Close 之后不再保证投递剩余事件。
func (s *wsStream) readPump() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			// 没有收到关闭帧（1006）视为异常断开，先报告 error 再报告 close
			if code == websocket.CloseAbnormalClosure && !s.closedLocally() {
				s.emit(Event{Kind: EventError, Err: err})
			}
			s.state.Store(int32(StateClosed))
			s.emit(Event{Kind: EventClose, Code: code})
			return
		}
		if !s.emit(Event{Kind: EventMessage, Data: data}) {
			return
		}
	}
}

func (s *wsStream) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *wsStream) closedLocally() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Send writes v as a JSON text frame.
func (s *wsStream) Send(v any) error {
	if st := s.State(); st != StateOpen {
		return fmt.Errorf("cannot send on %s stream", st)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// Close is idempotent. The close handshake is best effort.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		close(s.done)
		err = s.conn.Close()
		s.state.Store(int32(StateClosed))
	})
	return err
}
