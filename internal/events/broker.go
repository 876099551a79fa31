// Package events fans run progress out to stream subscribers, in process or
// across replicas through Redis pub/sub.
package events

import (
	"sync"

	"cvrpnav/internal/model"
)

// Broker is implemented by the in-memory and Redis brokers.
type Broker interface {
	Subscribe(runID string) chan model.RunEvent
	Unsubscribe(runID string, ch chan model.RunEvent)
	Publish(runID string, evt model.RunEvent)
}

// Memory delivers events to subscribers of the same process. Slow
// subscribers drop events rather than block the publisher.
type Memory struct {
	mu   sync.Mutex
	subs map[string]map[chan model.RunEvent]struct{} // runId -> set of channels
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]map[chan model.RunEvent]struct{}{}}
}

func (b *Memory) Subscribe(runID string) chan model.RunEvent {
	ch := make(chan model.RunEvent, 16)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan model.RunEvent]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Memory) Unsubscribe(runID string, ch chan model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[runID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, runID)
	}
	close(ch)
}

func (b *Memory) Publish(runID string, evt model.RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
}
