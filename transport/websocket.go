package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait       = 10 * time.Second
	maxMessageBytes = 16 << 20
)

// WebSocket is a channel over a gorilla websocket connection.
type WebSocket struct {
	logger *zap.Logger
	url    string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	sink    Sink
	started bool
	closed  bool
}

// WebSocketOpt configures websocket channels.
type WebSocketOpt func(*WebSocket)

func WithWebSocketLogger(logger *zap.Logger) WebSocketOpt {
	return func(ws *WebSocket) {
		ws.logger = logger
	}
}

func WithDialer(d *websocket.Dialer) WebSocketOpt {
	return func(ws *WebSocket) {
		ws.dialer = d
	}
}

func newWebSocket(opts []WebSocketOpt) *WebSocket {
	ws := &WebSocket{logger: zap.NewNop(), dialer: websocket.DefaultDialer}
	for _, opt := range opts {
		opt(ws)
	}
	return ws
}

// NewWebSocketFactory returns a client factory for ws:// and wss:// URIs.
func NewWebSocketFactory(opts ...WebSocketOpt) Factory {
	return FactoryFunc(func(u *url.URL) (Channel, error) {
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
		}
		ws := newWebSocket(opts)
		ws.url = u.String()
		return ws, nil
	})
}

func (ws *WebSocket) SetSink(s Sink) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.sink = s
}

func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.started || ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.started = true
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		c, resp, err := ws.dialer.DialContext(ctx, ws.url, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return fmt.Errorf("dial %s: %w", ws.url, err)
		}
		ws.mu.Lock()
		ws.conn = c
		closed := ws.closed
		ws.mu.Unlock()
		if closed {
			return c.Close()
		}
		conn = c
	}
	conn.SetReadLimit(maxMessageBytes)
	go ws.readLoop(conn)
	return nil
}

func (ws *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		ws.mu.Lock()
		sink := ws.sink
		ws.mu.Unlock()
		if err != nil {
			reason := closeReason(err)
			ws.logger.Debug("websocket closed", zap.String("url", ws.url), zap.NamedError("reason", reason))
			if sink != nil {
				sink.OnClose(reason)
			}
			return
		}
		if sink != nil {
			sink.OnMessage(string(data))
		}
	}
}

func closeReason(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (ws *WebSocket) Send(msg string) error {
	ws.mu.Lock()
	conn, closed := ws.conn, ws.closed
	ws.mu.Unlock()
	if closed || conn == nil {
		return ErrClosed
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (ws *WebSocket) Close() error {
	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return nil
	}
	ws.closed = true
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return nil
	}
	ws.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	ws.writeMu.Unlock()
	return conn.Close()
}

// Server upgrades HTTP requests to websocket channels and hands them to
// accept.
type Server struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader
	accept   func(Channel)
	limit    *rate.Limiter
}

// ServerOpt configures a Server.
type ServerOpt func(*Server)

// WithAcceptRate limits how many connections per second are upgraded.
// Requests over the limit get 503.
func WithAcceptRate(perSecond float64, burst int) ServerOpt {
	return func(s *Server) {
		s.limit = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewServer(accept func(Channel), logger *zap.Logger, opts ...ServerOpt) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accept: accept,
		limit:  rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limit.Allow() {
		rejected.Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	accepted.Inc()
	ws := newWebSocket([]WebSocketOpt{WithWebSocketLogger(s.logger)})
	ws.conn = conn
	s.accept(ws)
}
