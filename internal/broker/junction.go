package broker

import (
	"context"
	"sort"

	"github.com/jamessanders/leah-public/internal/message"
)

type visitedKey struct{}

// visited is the chain of channels a publish has already passed through.
type visited struct {
	channel string
	next    *visited
}

func withVisited(ctx context.Context, channel string) context.Context {
	prev, _ := ctx.Value(visitedKey{}).(*visited)
	return context.WithValue(ctx, visitedKey{}, &visited{channel: channel, next: prev})
}

func hasVisited(ctx context.Context, channel string) bool {
	for v, _ := ctx.Value(visitedKey{}).(*visited); v != nil; v = v.next {
		if v.channel == channel {
			return true
		}
	}
	return false
}

// BindJunction forwards every message published to in onto out. Binding an
// existing pair is a no-op that returns false.
func (b *Broker) BindJunction(in, out string) bool {
	key := junctionKey{in: in, out: out}

	b.mu.RLock()
	_, exists := b.junctions[key]
	b.mu.RUnlock()
	if exists {
		return false
	}

	forward := func(ctx context.Context, msg message.Message) error {
		// A message that already passed through out would loop forever.
		if hasVisited(ctx, out) {
			return nil
		}
		return b.Publish(ctx, out, msg)
	}

	b.mu.Lock()
	if _, exists := b.junctions[key]; exists {
		b.mu.Unlock()
		return false
	}
	// Reserve the key before subscribing so a concurrent bind sees it.
	b.junctions[key] = Subscription{}
	b.mu.Unlock()

	sub := b.Subscribe(in, forward)

	b.mu.Lock()
	if _, still := b.junctions[key]; still {
		b.junctions[key] = sub
		b.mu.Unlock()
	} else {
		// Unbound or cleared between the two locks.
		b.mu.Unlock()
		b.Unsubscribe(sub)
		return false
	}
	b.log.Debug("junction bound", "in", in, "out", out)
	return true
}

// UnbindJunction removes a forwarding rule. It reports whether one existed.
func (b *Broker) UnbindJunction(in, out string) bool {
	key := junctionKey{in: in, out: out}

	b.mu.Lock()
	sub, ok := b.junctions[key]
	delete(b.junctions, key)
	b.mu.Unlock()

	if !ok {
		return false
	}
	if sub.ID != "" {
		b.Unsubscribe(sub)
	}
	b.log.Debug("junction unbound", "in", in, "out", out)
	return true
}

// Junction is one forwarding rule.
type Junction struct {
	In  string
	Out string
}

// Junctions lists the bound forwarding rules, sorted by in then out.
func (b *Broker) Junctions() []Junction {
	b.mu.RLock()
	out := make([]Junction, 0, len(b.junctions))
	for k := range b.junctions {
		out = append(out, Junction{In: k.in, Out: k.out})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].In != out[j].In {
			return out[i].In < out[j].In
		}
		return out[i].Out < out[j].Out
	})
	return out
}
