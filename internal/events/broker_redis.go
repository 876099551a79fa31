package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"cvrpnav/internal/model"
)

// Redis implements Broker over Redis pub/sub so that a run executing on one
// replica can be followed from another.
type Redis struct {
	rdb *redis.Client
	log logrus.FieldLogger

	mu   sync.Mutex
	subs map[chan model.RunEvent]*redis.PubSub
}

func NewRedis(url string, log logrus.FieldLogger) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, log: log, subs: map[chan model.RunEvent]*redis.PubSub{}}, nil
}

func (b *Redis) Subscribe(runID string) chan model.RunEvent {
	ch := make(chan model.RunEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(runID))
	// wait for the subscription confirmation so no publish is missed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.WithError(err).WithField("run_id", runID).Warn("redis subscribe failed")
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		for msg := range ps.Channel() {
			var evt model.RunEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.log.WithError(err).Debug("dropping malformed run event")
				continue
			}
			b.mu.Lock()
			if _, live := b.subs[ch]; live {
				select {
				case ch <- evt:
				default:
				}
			}
			b.mu.Unlock()
		}
	}()
	return ch
}

func (b *Redis) Unsubscribe(runID string, ch chan model.RunEvent) {
	b.mu.Lock()
	ps, ok := b.subs[ch]
	delete(b.subs, ch)
	if ok {
		close(ch)
	}
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *Redis) Publish(runID string, evt model.RunEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, chanName(runID), data).Err(); err != nil {
		b.log.WithError(err).WithField("run_id", runID).Warn("redis publish failed")
	}
}

func (b *Redis) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *Redis) Close() error { return b.rdb.Close() }

func chanName(runID string) string { return "run:" + runID }
