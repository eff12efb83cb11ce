package list

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/mlbridge/mlbridge/internal/email"
)

// SMTPSender submits rendered messages to a list through a plain SMTP
// submission server. The bridge never acts as a mail transport beyond
// handing the message to this one hop.
type SMTPSender struct {
	// Server is the host:port of the submission server.
	Server string
	// Envelope is the SMTP envelope sender address.
	Envelope string

	// sendMail is swappable in tests.
	sendMail func(addr, from string, to []string, msg []byte) error
}

// NewSMTPSender returns a sender submitting through server with the given
// envelope address.
func NewSMTPSender(server, envelope string) *SMTPSender {
	return &SMTPSender{
		Server:   server,
		Envelope: envelope,
		sendMail: func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		},
	}
}

// Send renders and submits the message. The pre-computed Message-ID and
// threading headers go out verbatim.
func (s *SMTPSender) Send(ctx context.Context, l List, msg *email.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var rendered strings.Builder
	if err := msg.Render(&rendered); err != nil {
		return fmt.Errorf("rendering message %s: %w", msg.ID, err)
	}

	to := make([]string, len(msg.Recipients))
	for i, r := range msg.Recipients {
		to[i] = r.Address
	}
	if len(to) == 0 {
		to = []string{l.Email}
	}

	if err := s.sendMail(s.Server, s.Envelope, to, []byte(rendered.String())); err != nil {
		return fmt.Errorf("submitting %s to %s: %w", msg.ID, l.Email, err)
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)
