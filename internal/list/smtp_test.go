package list

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlbridge/mlbridge/internal/email"
)

type capturedMail struct {
	addr string
	from string
	to   []string
	msg  []byte
}

func captureSender(captured *[]capturedMail) *SMTPSender {
	s := NewSMTPSender("mail.example.org:587", "bridge@openjdk.org")
	s.sendMail = func(addr, from string, to []string, msg []byte) error {
		*captured = append(*captured, capturedMail{addr: addr, from: from, to: to, msg: msg})
		return nil
	}
	return s
}

func TestSMTPSenderSubmitsRenderedMessage(t *testing.T) {
	var captured []capturedMail
	s := captureSender(&captured)

	l := List{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"}
	msg := &email.Email{
		ID:      "<m1@openjdk.org>",
		From:    email.Address{Name: "duke", Address: "bridge@openjdk.org"},
		Subject: "RFR: 8231111: Fix the frobnicator",
		Body:    "Please review.",
		Recipients: []email.Address{
			{Name: "core-libs-dev", Address: "core-libs-dev@mail.openjdk.org"},
			{Name: "hotspot-dev", Address: "hotspot-dev@mail.openjdk.org"},
		},
	}

	require.NoError(t, s.Send(context.Background(), l, msg))
	require.Len(t, captured, 1)

	assert.Equal(t, "mail.example.org:587", captured[0].addr)
	assert.Equal(t, "bridge@openjdk.org", captured[0].from)
	// Every cross-posted recipient goes on the envelope.
	assert.Equal(t, []string{
		"core-libs-dev@mail.openjdk.org",
		"hotspot-dev@mail.openjdk.org",
	}, captured[0].to)

	rendered := string(captured[0].msg)
	assert.True(t, strings.HasPrefix(rendered, "Message-ID: <m1@openjdk.org>\r\n"))
	assert.Contains(t, rendered, "Subject: RFR: 8231111: Fix the frobnicator")
	assert.Contains(t, rendered, "\r\n\r\nPlease review.")
}

func TestSMTPSenderFallsBackToListAddress(t *testing.T) {
	var captured []capturedMail
	s := captureSender(&captured)

	l := List{Name: "core-libs-dev", Email: "core-libs-dev@mail.openjdk.org"}
	msg := &email.Email{ID: "<m2@openjdk.org>", Body: "x"}

	require.NoError(t, s.Send(context.Background(), l, msg))
	require.Len(t, captured, 1)
	assert.Equal(t, []string{"core-libs-dev@mail.openjdk.org"}, captured[0].to)
}

func TestSMTPSenderHonorsContext(t *testing.T) {
	var captured []capturedMail
	s := captureSender(&captured)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, List{Email: "l@example.org"}, &email.Email{ID: "<m3@x>"})
	require.Error(t, err)
	assert.Empty(t, captured)
}
