package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"flexbus/internal/gateway"
)

// streamSSE pushes live events for one order (or the firehose) as
// server-sent events until the client disconnects.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, topic string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)
	// initial heartbeat
	fmt.Fprintf(w, "event: heartbeat\n")
	fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
	flusher.Flush()
	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", string(b))
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\n")
			fmt.Fprintf(w, "data: {\"ts\":\"%s\"}\n\n", time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

// EventsStreamHandler handles GET /v1/events/stream: the SSE firehose, or a
// single order's events with ?orderId=.
func (s *Server) EventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("orderId")
	if topic == "" {
		topic = gateway.TopicAll
	}
	s.streamSSE(w, r, topic)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventsWSHandler handles GET /v1/events/ws. Clients send
// {"type":"subscribe","id":...,"payload":{"orderId":...}} frames; an empty
// orderId subscribes to the firehose.
func (s *Server) EventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		topic string
		ch    chan gateway.Event
		done  chan struct{}
	}
	subs := map[string]sub{}
	defer func() {
		for _, sb := range subs {
			close(sb.done)
			s.Broker.Unsubscribe(sb.topic, sb.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	var writeMu chan struct{} = make(chan struct{}, 1)
	writeMu <- struct{}{}
	write := func(v any) error {
		<-writeMu
		defer func() { writeMu <- struct{}{} }()
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "subscribe":
			var p struct {
				OrderID string `json:"orderId"`
			}
			_ = json.Unmarshal(msg.Payload, &p)
			topic := p.OrderID
			if topic == "" {
				topic = gateway.TopicAll
			}
			if _, exists := subs[msg.ID]; exists {
				continue
			}
			sb := sub{topic: topic, ch: s.Broker.Subscribe(topic), done: make(chan struct{})}
			subs[msg.ID] = sb
			go func(id string, sb sub) {
				for {
					select {
					case <-sb.done:
						return
					case evt, ok := <-sb.ch:
						if !ok {
							return
						}
						_ = write(wsMessage{Type: "event", ID: id, Payload: mustJSON(evt)})
					}
				}
			}(msg.ID, sb)
		case "unsubscribe":
			if sb, ok := subs[msg.ID]; ok {
				close(sb.done)
				s.Broker.Unsubscribe(sb.topic, sb.ch)
				delete(subs, msg.ID)
			}
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
