package email

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSendRendersMessage(t *testing.T) {
	p := NewSMTP(Config{Host: "mail.local", Port: 2525, From: "shop@example.com"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	p.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		assert.Equal(t, "shop@example.com", from)
		return nil
	}

	err := p.Send(context.Background(), Message{To: []string{"buyer@example.com"}, Subject: "Your keys", HTML: "<p>hi</p>"})
	require.NoError(t, err)
	assert.Equal(t, "mail.local:2525", gotAddr)
	assert.Equal(t, []string{"buyer@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Your keys\r\n")
	assert.Contains(t, gotMsg, "Content-Type: text/html")
	assert.Contains(t, gotMsg, "\r\n\r\n<p>hi</p>")
}

func TestSMTPSendErrors(t *testing.T) {
	p := NewSMTP(Config{Host: "mail.local", Port: 25})
	p.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("connection refused") }

	err := p.Send(context.Background(), Message{})
	require.ErrorIs(t, err, ErrNoRecipients)

	err = p.Send(context.Background(), Message{To: []string{"a@b.c"}})
	require.ErrorContains(t, err, "connection refused")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Send(ctx, Message{To: []string{"a@b.c"}})
	require.ErrorIs(t, err, context.Canceled)
}
