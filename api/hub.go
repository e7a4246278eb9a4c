package api

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/airchains-network/tee-prover/task"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4 * 1024
	sendBufferSize = 64
)

// subscriber is one websocket connection receiving pipeline notifications
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
	log  *logrus.Entry
}

// Hub fans pipeline notifications out to websocket subscribers
type Hub struct {
	subscribers map[*subscriber]bool
	broadcast   chan []byte
	register    chan *subscriber
	unregister  chan *subscriber
	count       atomic.Int64
	done        chan struct{}
	log         *logrus.Entry
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]bool),
		broadcast:   make(chan []byte, 256),
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		done:        make(chan struct{}),
		log:         log.WithField("component", "ws"),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled. It must be
// called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer func() {
		for s := range h.subscribers {
			close(s.send)
			delete(h.subscribers, s)
		}
		h.count.Store(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-h.register:
			h.subscribers[s] = true
			h.count.Store(int64(len(h.subscribers)))
			h.log.Infof("New websocket subscriber. Total subscribers: %d", len(h.subscribers))
		case s := <-h.unregister:
			if _, ok := h.subscribers[s]; ok {
				delete(h.subscribers, s)
				close(s.send)
				h.count.Store(int64(len(h.subscribers)))
				h.log.Infof("Websocket subscriber left. Total subscribers: %d", len(h.subscribers))
			}
		case message := <-h.broadcast:
			for s := range h.subscribers {
				select {
				case s.send <- message:
				default:
					// slow reader
					close(s.send)
					delete(h.subscribers, s)
					h.count.Store(int64(len(h.subscribers)))
				}
			}
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	return int(h.count.Load())
}

// Notify implements task.Notifier. A notification is dropped when the
// broadcast buffer is full.
func (h *Hub) Notify(n task.Notification) {
	message, err := json.Marshal(n)
	if err != nil {
		h.log.Errorf("Failed to encode notification: %v", err)
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Warnf("Dropping %s notification, broadcast buffer full", n.Kind)
	}
}

// serve registers the connection and starts its pumps.
func (h *Hub) serve(conn *websocket.Conn) {
	s := &subscriber{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		log:  h.log,
	}

	select {
	case h.register <- s:
	case <-h.done:
		conn.Close()
		return
	}

	go s.writePump()
	go s.readPump(h)
}

// readPump only handles control frames; subscribers do not send requests.
func (s *subscriber) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- s:
		case <-h.done:
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Errorf("Websocket read error: %v", err)
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
