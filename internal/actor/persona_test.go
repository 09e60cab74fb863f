package actor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamessanders/leah-public/internal/message"
)

type recorder struct {
	mu   sync.Mutex
	sent []message.Message
}

func (r *recorder) Publish(_ context.Context, channel string, msg message.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg.Channel = channel
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) kinds() []message.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Kind, len(r.sent))
	for i, m := range r.sent {
		out[i] = m.Kind
	}
	return out
}

type admins map[string]bool

func (a admins) IsAdmin(handle, channel string) bool {
	return a[handle+" "+channel]
}

func echo(replies ...string) Responder {
	return ResponderFunc(func(context.Context, string, message.Message) ([]string, error) {
		return replies, nil
	})
}

func TestPersonaIgnoresOwnAndHangup(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("reply"))
	ctx := context.Background()

	require.NoError(t, p.OnMessage(ctx, message.New("@leah", "#team", "me", message.KindChannel)))
	require.NoError(t, p.OnMessage(ctx, message.Hangup("@bob", "#team")))
	assert.Empty(t, rec.sent)
}

func TestPersonaHangsUpOnSystem(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("reply"))

	require.NoError(t, p.OnMessage(context.Background(), message.New("@x", "#team", "note", message.KindSystem)))
	assert.Equal(t, []message.Kind{message.KindHangup}, rec.kinds())
}

func TestPersonaChannelRequiresMentionOrAdmin(t *testing.T) {
	ctx := context.Background()

	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("reply"))
	require.NoError(t, p.OnMessage(ctx, message.New("@bob", "#team", "anyone there?", message.KindChannel)))
	assert.Equal(t, []message.Kind{message.KindHangup}, rec.kinds())

	rec = &recorder{}
	p = NewPersona("@leah", rec, nil, echo("reply"))
	require.NoError(t, p.OnMessage(ctx, message.New("@bob", "#team", "hey @leah", message.KindChannel)))
	assert.Equal(t, []message.Kind{message.KindSystem, message.KindChannel, message.KindHangup}, rec.kinds())
	assert.Equal(t, "#team", rec.sent[1].Channel)
	assert.Equal(t, "reply", rec.sent[1].Content)

	rec = &recorder{}
	p = NewPersona("@leah", rec, admins{"@leah #team": true}, echo("reply"))
	require.NoError(t, p.OnMessage(ctx, message.New("@bob", "#team", "general question", message.KindChannel)))
	assert.Equal(t, []message.Kind{message.KindSystem, message.KindChannel, message.KindHangup}, rec.kinds())
}

func TestPersonaDirectReplyKeepsKind(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("one", "two"))
	ch := message.DirectChannelName("@bob", "@leah")

	require.NoError(t, p.OnMessage(context.Background(), message.New("@bob", ch, "hi", message.KindDirect)))
	assert.Equal(t, []message.Kind{message.KindSystem, message.KindDirect, message.KindDirect, message.KindHangup}, rec.kinds())
	assert.Equal(t, ch, rec.sent[3].Channel)
}

func TestPersonaNoAction(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("fine "+NoActionMarker, "never sent"))

	require.NoError(t, p.OnMessage(context.Background(), message.New("@bob", "#x", "hi", message.KindDirect)))
	require.Len(t, rec.sent, 4)
	assert.Equal(t, "fine", rec.sent[1].Content)
	assert.Equal(t, message.KindChannel, rec.sent[1].Kind)
	assert.Equal(t, message.KindSystem, rec.sent[2].Kind)
	assert.Equal(t, message.KindHangup, rec.sent[3].Kind)
}

func TestPersonaSkipsStale(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, echo("reply"))
	ctx := context.Background()

	older := message.New("@bob", "#x", "first", message.KindDirect)
	newer := message.New("@bob", "#x", "second", message.KindDirect)
	older.SentAt = newer.SentAt.Add(-time.Minute)

	require.NoError(t, p.OnMessage(ctx, newer))
	rec.sent = nil
	require.NoError(t, p.OnMessage(ctx, older))
	assert.Equal(t, []message.Kind{message.KindHangup}, rec.kinds())
}

func TestPersonaResponderError(t *testing.T) {
	rec := &recorder{}
	p := NewPersona("@leah", rec, nil, ResponderFunc(func(context.Context, string, message.Message) ([]string, error) {
		return nil, errors.New("model unavailable")
	}))
	err := p.OnMessage(context.Background(), message.New("@bob", "#x", "hi", message.KindDirect))
	assert.Error(t, err)
	assert.Equal(t, []message.Kind{message.KindSystem, message.KindHangup}, rec.kinds())
}

type refusing struct {
	kinds map[message.Kind]bool
}

func (r refusing) Publish(_ context.Context, _ string, msg message.Message) error {
	if r.kinds[msg.Kind] {
		return errors.New("bus unavailable")
	}
	return nil
}

func TestPersonaLogsPublishFailures(t *testing.T) {
	var buf bytes.Buffer
	pub := refusing{kinds: map[message.Kind]bool{message.KindSystem: true, message.KindHangup: true}}

	p := NewPersona("@leah", pub, nil, echo(NoActionMarker))
	p.log = slog.New(slog.NewTextHandler(&buf, nil))
	require.Error(t, p.OnMessage(context.Background(), message.New("@bob", "#x", "hi", message.KindDirect)))
	assert.Equal(t, 2, strings.Count(buf.String(), "announce failed"))

	buf.Reset()
	p = NewPersona("@leah", pub, nil, ResponderFunc(func(context.Context, string, message.Message) ([]string, error) {
		return nil, errors.New("model unavailable")
	}))
	p.log = slog.New(slog.NewTextHandler(&buf, nil))
	assert.ErrorContains(t, p.OnMessage(context.Background(), message.New("@bob", "#y", "hi", message.KindDirect)), "model unavailable")
	assert.Contains(t, buf.String(), "hangup failed")
}
