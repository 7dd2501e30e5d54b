// Package ws is the realtime channel for device-trust login. Trusted devices
// connect with their session and receive login requests for their account;
// a requesting device connects with its request id and receives the single
// terminal status of that request.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/Avicted/sigil/internal/auth"
	"github.com/Avicted/sigil/internal/device"
	"github.com/Avicted/sigil/internal/metrics"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/user"
)

const (
	TypeLoginRequest       = "login_request"
	TypeLoginRequestStatus = "login_request_status"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeError              = "error"

	SessionCookie = "sigil_session"

	sendBuffer   = 16
	writeTimeout = 5 * time.Second
	readLimit    = 4096
	maxRequestID = 128
)

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Session, error)
}

// Hub owns the connection registries. It is safe for concurrent use; sends
// never block on a slow client and never report transport errors.
type Hub struct {
	validator TokenValidator
	accept    *websocket.AcceptOptions

	mu        sync.Mutex
	clients   map[*Client]struct{}
	byUser    map[user.ID]map[*Client]struct{}
	byDevice  map[deviceKey]*Client
	byRequest map[string]*Client
}

func NewHub(validator TokenValidator, originPatterns ...string) *Hub {
	return &Hub{
		validator: validator,
		accept:    &websocket.AcceptOptions{OriginPatterns: originPatterns},
		clients:   make(map[*Client]struct{}),
		byUser:    make(map[user.ID]map[*Client]struct{}),
		byDevice:  make(map[deviceKey]*Client),
		byRequest: make(map[string]*Client),
	}
}

// Run blocks until ctx is done and then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range clients {
		h.unregister(c)
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			c.close(websocket.StatusGoingAway, "server shutdown")
		}(c)
	}
	wg.Wait()
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) IsOnline(userID user.ID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) register(c *Client) {
	var replaced *Client
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if c.requestID != "" {
		if prev := h.byRequest[c.requestID]; prev != nil && prev != c {
			delete(h.clients, prev)
			metrics.WSConnections.Dec()
			replaced = prev
		}
		h.byRequest[c.requestID] = c
	} else {
		if h.byUser[c.userID] == nil {
			h.byUser[c.userID] = make(map[*Client]struct{})
		}
		h.byUser[c.userID][c] = struct{}{}
		if c.deviceID != "" {
			h.byDevice[c.deviceKey()] = c
		}
	}
	metrics.WSConnections.Inc()
	h.mu.Unlock()

	if replaced != nil {
		replaced.close(websocket.StatusPolicyViolation, "replaced by a newer subscriber")
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if c.requestID != "" {
		if h.byRequest[c.requestID] == c {
			delete(h.byRequest, c.requestID)
		}
	} else {
		if clients := h.byUser[c.userID]; clients != nil {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.byUser, c.userID)
			}
		}
		if h.byDevice[c.deviceKey()] == c {
			delete(h.byDevice, c.deviceKey())
		}
	}
	metrics.WSConnections.Dec()
}

// SendToDevice reports whether the device has a live connection that
// accepted the message.
func (h *Hub) SendToDevice(userID user.ID, deviceID device.ID, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		securelog.Error("ws encode", err)
		return false
	}
	h.mu.Lock()
	c := h.byDevice[deviceKey{userID: userID, deviceID: deviceID}]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Send(data)
}

// SendToUser delivers to every connection of userID and returns how many
// accepted the message.
func (h *Hub) SendToUser(userID user.ID, payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		securelog.Error("ws encode", err)
		return 0
	}
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if c.Send(data) {
			sent++
		}
	}
	return sent
}

// SendToRequest delivers to the subscriber of a login request.
func (h *Hub) SendToRequest(requestID string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		securelog.Error("ws encode", err)
		return false
	}
	h.mu.Lock()
	c := h.byRequest[requestID]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.Send(data)
}

// HandleWS upgrades the request. A request_id query parameter subscribes to
// that request; otherwise a session token is required.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.URL.Query().Get("request_id"))
	var sess auth.Session
	if requestID != "" {
		if len(requestID) > maxRequestID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var err error
		sess, err = h.authenticate(r)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:      conn,
		hub:       h,
		ctx:       ctx,
		cancel:    cancel,
		send:      make(chan []byte, sendBuffer),
		userID:    sess.UserID,
		deviceID:  sess.DeviceID,
		requestID: requestID,
	}
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

func (h *Hub) authenticate(r *http.Request) (auth.Session, error) {
	if h.validator == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	token := bearerToken(r)
	if token == "" {
		return auth.Session{}, auth.ErrUnauthorized
	}
	return h.validator.ValidateToken(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	userID    user.ID
	deviceID  device.ID
	requestID string
}

func (c *Client) Send(msg []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if !isExpectedDisconnectError(err) && websocket.CloseStatus(err) == -1 {
				securelog.Error("ws read", err)
			}
			return
		}
		c.handle(data)
	}
}

func (c *Client) handle(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendEvent(errorEvent{Type: TypeError, Code: "invalid_message", Message: "malformed json"})
		return
	}
	switch strings.TrimSpace(msg.Type) {
	case TypePing:
		c.sendEvent(typedEvent{Type: TypePong})
	default:
		c.sendEvent(errorEvent{Type: TypeError, Code: "unsupported_type", Message: "unsupported message type"})
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.unregister(c)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.conn.Close(status, reason)
		c.cancel()
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) deviceKey() deviceKey {
	return deviceKey{userID: c.userID, deviceID: c.deviceID}
}

type deviceKey struct {
	userID   user.ID
	deviceID device.ID
}

type inboundMessage struct {
	Type string `json:"type"`
}

type typedEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func isExpectedDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
