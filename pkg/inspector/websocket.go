package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const defaultDialTimeout = 10 * time.Second

// message is the protocol frame. Calls carry an id; events from the runtime
// come without one and are dropped — the agent does not subscribe to any.
type message struct {
	ID     int             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ProtocolError  `json:"error,omitempty"`
}

// ProtocolError is an error object returned by the inspector for a call.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("inspector: %s (code %d)", e.Message, e.Code)
}

// WebsocketSession implements Session over the inspector websocket endpoint
// (ws://host:port/<target-id>). A single reader goroutine owns the
// connection's read side; writes are serialized with a mutex.
type WebsocketSession struct {
	url    string
	logger logrus.FieldLogger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	nextID  int
	pending map[int]chan *message
	closed  chan struct{}
	readErr error
}

func NewWebsocketSession(url string, logger logrus.FieldLogger) *WebsocketSession {
	return &WebsocketSession{
		url:    url,
		logger: logger,
	}
}

func (s *WebsocketSession) Connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial inspector %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.pending = make(map[int]chan *message)
	s.closed = make(chan struct{})
	s.readErr = nil
	s.mu.Unlock()
	go s.readPump(conn)
	return nil
}

func (s *WebsocketSession) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *WebsocketSession) Post(ctx context.Context, method string, params, result interface{}) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return fmt.Errorf("inspector: session is not connected")
	}
	s.nextID++
	id := s.nextID
	ch := make(chan *message, 1)
	s.pending[id] = ch
	closed := s.closed
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := struct {
		ID     int         `json:"id"`
		Method string      `json:"method"`
		Params interface{} `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	s.writeMu.Lock()
	err := conn.WriteJSON(req)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		return fmt.Errorf("%s: connection closed: %w", method, err)
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// readPump is the only reader of the connection. It correlates responses with
// pending calls by id and discards protocol events.
func (s *WebsocketSession) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			close(s.closed)
			s.mu.Unlock()
			return
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debugf("inspector: dropping malformed frame: %v", err)
			continue
		}
		if msg.ID == 0 {
			// runtime event, nobody is listening
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		s.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

// DiscoverTarget resolves the websocket debugger URL of the first target
// advertised by a node process's HTTP debug endpoint (http://host:port).
func DiscoverTarget(httpBase string) (string, error) {
	client := &http.Client{Timeout: defaultDialTimeout}
	resp, err := client.Get(httpBase + "/json/list")
	if err != nil {
		return "", fmt.Errorf("list inspector targets: %w", err)
	}
	defer resp.Body.Close()
	var targets []struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", fmt.Errorf("decode inspector target list: %w", err)
	}
	for _, t := range targets {
		if t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, nil
		}
	}
	return "", fmt.Errorf("no debuggable targets at %s", httpBase)
}
