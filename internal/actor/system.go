package actor

import (
	"context"

	"github.com/jamessanders/leah-public/internal/broker"
	"github.com/jamessanders/leah-public/internal/message"
)

// Subscriber is the registry call the relay uses to follow #system.
type Subscriber interface {
	Subscribe(handle, channel string) error
}

// SystemRelay listens as @sys and re-posts every system message onto
// #system-chan as an ordinary channel message, where front-ends can follow
// it. #system-chan traffic is never persisted.
type SystemRelay struct {
	actor *Actor
	pub   Publisher
	subs  Subscriber
}

// NewSystemRelay builds the relay. subs routes #system into @sys.
func NewSystemRelay(b *broker.Broker, subs Subscriber, opts ...Option) *SystemRelay {
	r := &SystemRelay{pub: b, subs: subs}
	r.actor = New(message.SystemHandle, b, HandlerFunc(r.onMessage), opts...)
	return r
}

// Start subscribes @sys to #system and starts the mailbox loop.
func (r *SystemRelay) Start(ctx context.Context) error {
	if err := r.subs.Subscribe(message.SystemHandle, message.SystemChannel); err != nil {
		return err
	}
	return r.actor.Listen(ctx)
}

// Stop halts the relay.
func (r *SystemRelay) Stop() {
	r.actor.Stop()
}

func (r *SystemRelay) onMessage(ctx context.Context, msg message.Message) error {
	if msg.Kind != message.KindSystem {
		return nil
	}
	relayed := message.New(message.SystemHandle, message.SystemRelayChannel, msg.Content, message.KindChannel)
	return r.pub.Publish(ctx, message.SystemRelayChannel, relayed)
}
