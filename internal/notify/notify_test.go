package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name string
	err  error
	got  []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, msg Message) error {
	f.got = append(f.got, msg)
	return f.err
}

type recorded struct{ channel, outcome string }

type fakeRecorder struct{ calls []recorded }

func (r *fakeRecorder) Notification(channel, outcome string) {
	r.calls = append(r.calls, recorded{channel, outcome})
}

func TestChainPrimarySucceeds(t *testing.T) {
	primary := &fakeChannel{name: "redis"}
	fallback := &fakeChannel{name: "smtp"}
	rec := &fakeRecorder{}
	chain := NewChain(nil, rec, primary, fallback)

	via, err := chain.Send(context.Background(), Message{Subject: "drift", Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, "redis", via)
	assert.Len(t, primary.got, 1)
	assert.Empty(t, fallback.got)
	assert.False(t, primary.got[0].SentAt.IsZero())
	assert.Equal(t, []recorded{{"redis", "success"}}, rec.calls)
}

func TestChainFallsBack(t *testing.T) {
	primary := &fakeChannel{name: "redis", err: errors.New("connection refused")}
	fallback := &fakeChannel{name: "smtp"}
	rec := &fakeRecorder{}
	chain := NewChain(nil, rec, primary, fallback)

	via, err := chain.Send(context.Background(), Message{Subject: "drift"})
	require.NoError(t, err)
	assert.Equal(t, "smtp", via)
	assert.Len(t, fallback.got, 1)
	assert.Equal(t, []recorded{{"redis", "failure"}, {"smtp", "success"}}, rec.calls)
}

func TestChainAllFail(t *testing.T) {
	boom := errors.New("boom")
	chain := NewChain(nil, nil, &fakeChannel{name: "redis", err: boom}, &fakeChannel{name: "smtp", err: boom})
	via, err := chain.Send(context.Background(), Message{Subject: "drift"})
	assert.Empty(t, via)
	assert.ErrorIs(t, err, ErrAllChannelsFailed)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "smtp")
}

func TestChainEmpty(t *testing.T) {
	_, err := NewChain(nil, nil).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrAllChannelsFailed)
}

func TestEmailChannel(t *testing.T) {
	ch, err := NewEmailChannel(EmailConfig{
		Addr:     "mail.lab:587",
		From:     "index@lab",
		To:       []string{"ops@lab", "data@lab"},
		Username: "index",
		Password: "secret",
	})
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	var gotAuth smtp.Auth
	ch.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, a, from, to, msg
		return nil
	}

	sent := time.Date(2024, 11, 25, 9, 0, 0, 0, time.UTC)
	require.NoError(t, ch.Send(context.Background(), Message{Subject: "Drift\nfound", Body: "line1\nline2", SentAt: sent}))
	assert.Equal(t, "mail.lab:587", gotAddr)
	assert.Equal(t, "index@lab", gotFrom)
	assert.Equal(t, []string{"ops@lab", "data@lab"}, gotTo)
	assert.NotNil(t, gotAuth)

	text := string(gotMsg)
	assert.Contains(t, text, "Subject: Drift found\r\n")
	assert.Contains(t, text, "To: ops@lab, data@lab\r\n")
	assert.True(t, strings.HasSuffix(text, "\r\n\r\nline1\r\nline2"))
}

func TestEmailChannelError(t *testing.T) {
	ch, err := NewEmailChannel(EmailConfig{Addr: "mail.lab:25", From: "a@lab", To: []string{"b@lab"}})
	require.NoError(t, err)
	ch.sendMail = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("550 rejected") }
	err = ch.Send(context.Background(), Message{Subject: "x"})
	assert.ErrorContains(t, err, "550 rejected")
}

func TestNewEmailChannelValidates(t *testing.T) {
	_, err := NewEmailChannel(EmailConfig{Addr: "mail.lab:25", From: "a@lab"})
	assert.Error(t, err)
}

func TestNewRedisChannel(t *testing.T) {
	_, err := NewRedisChannel("localhost:6379", "", "")
	assert.Error(t, err)

	ch, err := NewRedisChannel("redis://:pw@localhost:6380/2", "", "instidx")
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, "redis", ch.Name())
	assert.Equal(t, "localhost:6380", ch.client.Options().Addr)
	assert.Equal(t, 2, ch.client.Options().DB)
}
