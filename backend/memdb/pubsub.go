package memdb

import (
	"context"
	"time"

	"github.com/astraecs/engine/backend"
)

// subscription is an in-process fan-out channel standing in for the
// redisdb variant's PUBLISH/SUBSCRIBE (§4.2 "Memory variant... an
// in-process fan-out channel standing in for pub/sub").
type subscription struct {
	store   *Store
	channel string
	c       chan backend.Notification
	closed  bool
}

var _ backend.Subscription = (*subscription)(nil)

func (s *subscription) C() <-chan backend.Notification { return s.c }

func (s *subscription) Close() error {
	s.store.subMu.Lock()
	defer s.store.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.c)

	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string) (backend.Subscription, error) {
	sub := &subscription{store: s, channel: channel, c: make(chan backend.Notification, 64)}

	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()

	return sub, nil
}

func (s *Store) publish(channel string, at time.Time) {
	s.subMu.Lock()
	subs := append([]*subscription(nil), s.subs[channel]...)
	s.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.c <- backend.Notification{Channel: channel, At: at}:
		default:
			// Slow consumer: the broker treats a missed notification as
			// equivalent to a coalesced one (§4.7 "no guarantee that
			// every intermediate state is observed").
		}
	}
}
