package broker

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/jamessanders/leah-public/internal/message"
)

// Watch returns a lazy sequence of messages published to channel after
// iteration starts. The sequence ends after yielding a hangup, when the
// time spent waiting for messages adds up to
// timeout, when ctx is done, or when the caller stops ranging. A timeout of
// zero waits forever. The temporary subscription is always removed.
func (b *Broker) Watch(ctx context.Context, channel string, timeout time.Duration) iter.Seq[message.Message] {
	return func(yield func(message.Message) bool) {
		var (
			mu    sync.Mutex
			queue []message.Message
		)
		sub := b.Subscribe(channel, func(_ context.Context, msg message.Message) error {
			mu.Lock()
			queue = append(queue, msg)
			mu.Unlock()
			return nil
		})
		defer b.Unsubscribe(sub)

		ticker := time.NewTicker(b.watchTick)
		defer ticker.Stop()

		var waited time.Duration
		for {
			mu.Lock()
			pending := queue
			queue = nil
			mu.Unlock()

			for _, msg := range pending {
				if !yield(msg) || msg.IsHangup() {
					return
				}
			}

			if timeout > 0 && waited >= timeout {
				return
			}
			start := time.Now()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			waited += time.Since(start)
		}
	}
}
