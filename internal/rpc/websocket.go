package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klingon-exchange/bridge-relay/internal/events"
	"github.com/klingon-exchange/bridge-relay/internal/subscription"
	"github.com/klingon-exchange/bridge-relay/pkg/logging"
)

// WebSocket configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsReadLimit  = 64 * 1024
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

// MessageType names a WebSocket message.
type MessageType string

const (
	// Client messages
	MsgSubscribe          MessageType = "subscribe"
	MsgUpdateSubscription MessageType = "update_subscription"
	MsgUnsubscribe        MessageType = "unsubscribe"
	MsgAck                MessageType = "ack"

	// Server messages
	MsgWelcome             MessageType = "welcome"
	MsgSubscribed          MessageType = "subscribed"
	MsgSubscriptionUpdated MessageType = "subscription_updated"
	MsgUnsubscribed        MessageType = "unsubscribed"
	MsgAcked               MessageType = "acked"
	MsgEvents              MessageType = "events"
	MsgError               MessageType = "error"
)

// Errors returned to the delivery manager.
var (
	ErrClientGone = errors.New("websocket client disconnected")
	ErrSendFull   = errors.New("websocket send buffer full")
)

// WSMessage is the envelope of every WebSocket message.
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// WSSubscribe is the data of subscribe and update_subscription messages.
type WSSubscribe struct {
	EventTypes []events.Type               `json:"eventTypes,omitempty"`
	Filters    *subscription.Filters       `json:"filters,omitempty"`
	Priority   string                      `json:"priority,omitempty"`
	Delivery   *subscription.DeliveryPatch `json:"deliveryConfig,omitempty"`
}

// WSAck is the data of ack messages.
type WSAck struct {
	DeliveryIDs []string `json:"deliveryIds"`
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *WSHub
	mu     sync.Mutex
	closed bool
}

// WSHub tracks WebSocket connections and delivers subscription batches to
// them. It implements subscription.Transport.
type WSHub struct {
	subs    *subscription.Manager
	clients map[string]*WSClient
	log     *logging.Logger
	mu      sync.RWMutex
}

var _ subscription.Transport = (*WSHub)(nil)

// NewWSHub creates a new WebSocket hub backed by subs.
func NewWSHub(subs *subscription.Manager) *WSHub {
	return &WSHub{
		subs:    subs,
		clients: make(map[string]*WSClient),
		log:     logging.GetDefault().Component("ws"),
	}
}

func (h *WSHub) register(c *WSClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("WebSocket client connected", "client_id", c.id, "clients", n)
}

func (h *WSHub) unregister(c *WSClient) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if h.subs != nil {
		h.subs.UnregisterClient(c.id)
	}
	h.log.Debug("WebSocket client disconnected", "client_id", c.id, "clients", n)
}

// Deliver implements subscription.Transport.
func (h *WSHub) Deliver(ctx context.Context, clientID string, batch []subscription.Delivery) error {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientGone, clientID)
	}
	msg, err := encode(MsgEvents, batch)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, msg)
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop disconnects every client.
func (h *WSHub) Stop() {
	h.mu.Lock()
	list := make([]*WSClient, 0, len(h.clients))
	for _, c := range h.clients {
		list = append(list, c)
	}
	h.mu.Unlock()
	for _, c := range list {
		c.close()
	}
}

func encode(t MessageType, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&WSMessage{Type: t, Data: raw, Timestamp: time.Now().UnixMilli()})
}

// enqueue queues msg, waiting for room until ctx is done.
func (c *WSClient) enqueue(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientGone
	}
	select {
	case c.send <- msg:
		return nil
	default:
	}
	if ctx == nil {
		return ErrSendFull
	}
	select {
	case c.send <- msg:
		return nil
	case <-ctx.Done():
		return ErrSendFull
	}
}

func (c *WSClient) reply(t MessageType, data interface{}) {
	msg, err := encode(t, data)
	if err != nil {
		c.hub.log.Error("Failed to encode reply", "type", t, "error", err)
		return
	}
	if err := c.enqueue(nil, msg); err != nil {
		c.hub.log.Debug("Dropped reply", "client_id", c.id, "type", t, "error", err)
	}
}

func (c *WSClient) replyError(err error) {
	code, _ := errorCode(err)
	c.reply(MsgError, map[string]interface{}{"code": code, "message": err.Error()})
}

func (c *WSClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// handleWS handles WebSocket connections.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed", "error", err)
		return
	}

	id, err := s.subs.RegisterClient(subscription.ClientInfo{
		ConnectionType: "websocket",
		UserAgent:      r.UserAgent(),
		RemoteAddr:     r.RemoteAddr,
	})
	if err != nil {
		s.log.Error("Client registration failed", "error", err)
		conn.Close()
		return
	}

	client := &WSClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		hub:  s.wsHub,
	}
	s.wsHub.register(client)
	client.reply(MsgWelcome, map[string]string{"clientId": id})

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.hub.subs.Touch(c.id)
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket read error", "error", err)
			}
			break
		}
		c.hub.subs.Touch(c.id)

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.replyError(errParamsf(err))
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump writes messages to the WebSocket connection. Each queued
// message is sent as its own frame.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one client message.
func (c *WSClient) handleMessage(msg *WSMessage) {
	subs := c.hub.subs
	switch msg.Type {
	case MsgSubscribe, MsgUpdateSubscription:
		var p WSSubscribe
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				c.replyError(errParamsf(err))
				return
			}
		}
		req := &subscription.Request{
			ClientID:   c.id,
			EventTypes: p.EventTypes,
			Filters:    p.Filters,
			Priority:   p.Priority,
			Delivery:   p.Delivery,
		}
		var (
			view *subscription.View
			err  error
		)
		if msg.Type == MsgSubscribe {
			view, err = subs.CreateSubscription(req)
		} else {
			view, err = subs.UpdateSubscription(req)
		}
		if err != nil {
			c.replyError(err)
			return
		}
		if msg.Type == MsgSubscribe {
			c.reply(MsgSubscribed, view)
		} else {
			c.reply(MsgSubscriptionUpdated, view)
		}

	case MsgUnsubscribe:
		c.reply(MsgUnsubscribed, map[string]bool{"cancelled": subs.CancelSubscription(c.id)})

	case MsgAck:
		var p WSAck
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			c.replyError(errParamsf(err))
			return
		}
		n, err := subs.Acknowledge(c.id, p.DeliveryIDs)
		if err != nil {
			c.replyError(err)
			return
		}
		c.reply(MsgAcked, map[string]int{"acknowledged": n})

	default:
		c.replyError(errParamsf(fmt.Errorf("unknown message type %q", msg.Type)))
	}
}
