package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendTimeout is how long the Hub waits on a single subscriber's send
// before giving up and dropping it, per spec section 4.7.
const sendTimeout = 5 * time.Second

// WsMessage is a command sent to the Hub's single consumer goroutine.
// Kind selects the variant, and each variant reads only the fields it
// needs: Store uses ID and Sink, Drop uses ID, Send uses ID and Text, and
// SendAll uses Text.
type WsMessage struct {
	Sink *websocket.Conn
	Text string
	ID   uint64
	Kind WsMessageKind
}

// WsMessageKind discriminates the WsMessage variants named in spec section
// 4.7: Store, Drop, Send, SendAll.
type WsMessageKind int

const (
	WsStore WsMessageKind = iota
	WsDrop
	WsSend
	WsSendAll
)

// Hub owns the map of connected WebSocket subscribers and is the single
// consumer of the process-wide WsMessage channel; all subscriber
// bookkeeping happens on its goroutine so no separate lock is needed.
type Hub struct {
	messages    chan WsMessage
	nextID      uint64
	subscribers map[uint64]*websocket.Conn
	mu          sync.Mutex // guards nextID only; map access is single-goroutine
}

// NewHub creates a Hub with the given channel buffer size.
func NewHub(bufferSize int) *Hub {
	return &Hub{
		messages:    make(chan WsMessage, bufferSize),
		subscribers: make(map[uint64]*websocket.Conn),
	}
}

// Register adds a new subscriber connection and returns its id, used later
// to unregister it.
func (h *Hub) Register(conn *websocket.Conn) uint64 {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.mu.Unlock()

	h.messages <- WsMessage{Kind: WsStore, ID: id, Sink: conn}
	return id
}

// Unregister removes a subscriber, e.g. after its connection closes.
func (h *Hub) Unregister(id uint64) {
	h.messages <- WsMessage{Kind: WsDrop, ID: id}
}

// Broadcast queues text for delivery to every connected subscriber.
func (h *Hub) Broadcast(text string) {
	h.messages <- WsMessage{Kind: WsSendAll, Text: text}
}

// Send queues text for delivery to a single subscriber.
func (h *Hub) Send(id uint64, text string) {
	h.messages <- WsMessage{Kind: WsSend, ID: id, Text: text}
}

// Run drives the Hub's single consumer loop until ctx is canceled. It must
// run in exactly one goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for id, conn := range h.subscribers {
				_ = conn.Close()
				delete(h.subscribers, id)
			}
			return
		case msg := <-h.messages:
			h.handle(msg)
		}
	}
}

func (h *Hub) handle(msg WsMessage) {
	switch msg.Kind {
	case WsStore:
		h.subscribers[msg.ID] = msg.Sink
	case WsDrop:
		if conn, ok := h.subscribers[msg.ID]; ok {
			_ = conn.Close()
			delete(h.subscribers, msg.ID)
		}
	case WsSend:
		if conn, ok := h.subscribers[msg.ID]; ok {
			if !writeWithTimeout(conn, msg.Text) {
				delete(h.subscribers, msg.ID)
			}
		}
	case WsSendAll:
		for id, conn := range h.subscribers {
			if !writeWithTimeout(conn, msg.Text) {
				delete(h.subscribers, id)
			}
		}
	}
}

func writeWithTimeout(conn *websocket.Conn, text string) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(text)) == nil
}
