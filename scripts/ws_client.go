// Package main submits a demo run and follows its progress over WebSocket.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"

	"cvrpnav/internal/model"
	"cvrpnav/internal/opt"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ringInstance puts n customers on a circle around the depot.
func ringInstance(n int) opt.Instance {
	in := opt.Instance{
		Name:     fmt.Sprintf("ring-%d", n),
		Nodes:    map[int]orb.Point{0: {0, 0}},
		Demands:  map[int]int{},
		Capacity: 15,
	}
	for i := 1; i <= n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		in.Nodes[i] = orb.Point{math.Round(100 * math.Cos(a)), math.Round(100 * math.Sin(a))}
		in.Demands[i] = 1 + i%3
	}
	return in
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	in := ringInstance(40)
	body, _ := json.Marshal(model.SolveRequest{Instance: &in, Options: opt.Options{Algorithm: opt.AlgorithmAnnealing, Alpha: 0.995}})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/runs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("submit run: %s", resp.Status)
	}
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		log.Fatal(err)
	}
	log.Printf("Run ID: %s", run.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/runs/" + run.ID + "/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1"}); err != nil {
		log.Fatal(err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Minute))
	for {
		var m wsMessage
		if err := c.ReadJSON(&m); err != nil {
			log.Printf("read: %v", err)
			return
		}
		switch m.Type {
		case "next":
			var evt model.RunEvent
			if err := json.Unmarshal(m.Payload, &evt); err != nil {
				log.Printf("bad event: %v", err)
				continue
			}
			switch {
			case evt.Progress != nil:
				log.Printf("iter %d current %.1f best %.1f temp %.2f", evt.Progress.Iteration, evt.Progress.CurrentCost, evt.Progress.BestCost, evt.Progress.Temperature)
			case evt.Run != nil:
				log.Printf("%s: status=%s feasible=%v cost=%.0f %s", evt.Type, evt.Run.Status, evt.Run.Feasible, evt.Run.Cost, evt.Run.Message)
			}
		case "complete":
			return
		case "ping":
			_ = c.WriteJSON(wsMessage{Type: "pong"})
		default:
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}
}
