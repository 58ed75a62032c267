package convstore

import (
	"context"
	"log/slog"
)

// Watch delivers the full ordered message list now and again after every
// change, until ctx is done. Changes that happen while the consumer is busy
// collapse into one snapshot.
func (s *Store) Watch(ctx context.Context) <-chan []Message {
	out := make(chan []Message)
	notify := make(chan struct{}, 1)
	notify <- struct{}{}

	s.mu.Lock()
	s.watchers[notify] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.watchers, notify)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			}
			msgs, err := s.List(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("watch snapshot failed", slogError(err))
				}
				continue
			}
			select {
			case out <- msgs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Store) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	if n := len(s.watchers); n > 0 {
		s.log.Debug("conversation changed", slog.Int("watchers", n))
	}
}
