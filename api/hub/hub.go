package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	EventRunStarted   = "run.started"
	EventRunStep      = "run.step"
	EventRunProgress  = "run.progress"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"

	EventHealthChanged = "health.changed"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

// Event is one message on the run feed. Events without a service are
// system-wide and reach every subscriber.
type Event struct {
	Type    string      `json:"type"`
	Service string      `json:"service,omitempty"`
	RunID   string      `json:"runId,omitempty"`
	Payload interface{} `json:"payload"`
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Service string
	RunID   string
}

// FilterFromQuery reads ?service= and ?run= from a connect request.
func FilterFromQuery(q url.Values) Filter {
	return Filter{Service: q.Get("service"), RunID: q.Get("run")}
}

func (f Filter) Match(evt Event) bool {
	if evt.Service == "" {
		return true
	}
	if f.Service != "" && f.Service != evt.Service {
		return false
	}
	return f.RunID == "" || f.RunID == evt.RunID
}

type subscriber struct {
	conn   *websocket.Conn
	filter Filter
	send   chan []byte
}

// Hub fans run events out to WebSocket subscribers. A subscriber that
// cannot keep up is disconnected instead of stalling the run that emits.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	upgrader websocket.Upgrader
}

func New(allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		subs: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // CLI and curl send none
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast delivers evt to every matching subscriber without blocking.
// A nil hub drops the event.
func (h *Hub) Broadcast(evt Event) {
	if h == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("hub: encode %s: %v", evt.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.filter.Match(evt) {
			continue
		}
		select {
		case s.send <- data:
		default:
			log.Printf("hub: subscriber %s too slow, disconnecting", s.conn.RemoteAddr())
			h.dropLocked(s)
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		h.dropLocked(s)
	}
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	h.dropLocked(s)
	h.mu.Unlock()
}

// dropLocked closes the send channel once; the write loop then closes the
// connection.
func (h *Hub) dropLocked(s *subscriber) {
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
	}
}

// HandleConnect upgrades the request and subscribes it with the filter
// from its query string.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: ws upgrade: %v", err)
		return
	}

	s := &subscriber{conn: conn, filter: FilterFromQuery(r.URL.Query()), send: make(chan []byte, sendBuffer)}
	h.add(s)

	go s.writeLoop()
	go s.readLoop(h)
}

func (s *subscriber) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop only services control frames; subscribers never send data.
func (s *subscriber) readLoop(h *Hub) {
	defer func() {
		h.remove(s)
		s.conn.Close()
	}()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
