package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cvrpnav/internal/model"
)

// Run events over WebSocket with a graphql-transport-ws style handshake:
// connection_init/connection_ack, subscribe, next, complete, ping/pong.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const wsIdleTimeout = 60 * time.Second

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsConn serialises writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

// RunWSHandler streams the events of one run. Each subscribe message gets its
// own stream of next messages ending with complete once the run finishes.
func (s *Server) RunWSHandler(w http.ResponseWriter, r *http.Request, tenant string, run model.Run) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	c := &wsConn{conn: conn}

	type sub struct {
		ch chan model.RunEvent
	}
	var mu sync.Mutex
	subs := map[string]sub{}
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout)) })

	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = c.write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := c.write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = c.write(wsMessage{Type: "pong"})
		case "subscribe":
			if !acked {
				_ = c.write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"connection_init required"}`)})
				continue
			}
			mu.Lock()
			_, dup := subs[msg.ID]
			mu.Unlock()
			if msg.ID == "" || dup {
				_ = c.write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"subscription id missing or in use"}`)})
				continue
			}
			ch := s.Broker.Subscribe(run.ID)
			mu.Lock()
			subs[msg.ID] = sub{ch: ch}
			mu.Unlock()
			latest, err := s.Store.GetRun(r.Context(), tenant, run.ID)
			if err == nil && latest.Status.Terminal() {
				s.wsFinish(c, msg.ID, terminalEvent(latest))
				mu.Lock()
				delete(subs, msg.ID)
				mu.Unlock()
				s.Broker.Unsubscribe(run.ID, ch)
				continue
			}
			go func(id string, ch chan model.RunEvent) {
				for evt := range ch {
					if isTerminal(evt) {
						s.wsFinish(c, id, evt)
						return
					}
					payload, _ := json.Marshal(evt)
					_ = c.write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
			}(msg.ID, ch)
		case "complete":
			mu.Lock()
			s0, ok := subs[msg.ID]
			delete(subs, msg.ID)
			mu.Unlock()
			if ok {
				s.Broker.Unsubscribe(run.ID, s0.ch)
			}
		default:
			// ignore
		}
	}
	mu.Lock()
	for id, s0 := range subs {
		s.Broker.Unsubscribe(run.ID, s0.ch)
		delete(subs, id)
	}
	mu.Unlock()
}

func (s *Server) wsFinish(c *wsConn, id string, evt model.RunEvent) {
	payload, _ := json.Marshal(evt)
	_ = c.write(wsMessage{Type: "next", ID: id, Payload: payload})
	_ = c.write(wsMessage{Type: "complete", ID: id})
}
