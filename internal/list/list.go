// Package list defines the mailing-list collaborators: SMTP-style
// submission and archive retrieval. The list and its archive stay
// authoritative; the bridge only reads conversations and submits messages.
package list

import (
	"context"
	"time"

	"github.com/mlbridge/mlbridge/internal/email"
)

// List identifies one mailing list.
type List struct {
	// Name is the short list name, also used as the forge label.
	Name string
	// Email is the submission address.
	Email string
}

// Address returns the list's submission address as an email.Address.
func (l List) Address() email.Address {
	return email.Address{Name: l.Name, Address: l.Email}
}

// Conversation is a first message plus its replies as found in the
// archive. Replies are ordered by archive appearance.
type Conversation struct {
	List    List
	First   *email.Email
	Replies []*email.Email
}

// AllMessages returns the first message followed by every reply.
func (c *Conversation) AllMessages() []*email.Email {
	out := make([]*email.Email, 0, len(c.Replies)+1)
	out = append(out, c.First)
	out = append(out, c.Replies...)
	return out
}

// Sender submits messages to a list. Implementations wrap an SMTP
// submission client; the bridge only depends on the shape.
type Sender interface {
	// Send submits the message to the list. Headers must be transmitted
	// verbatim, including the pre-computed Message-ID.
	Send(ctx context.Context, list List, msg *email.Email) error
}

// Archive reads conversations back out of a list archive.
type Archive interface {
	// Conversations returns every conversation whose latest message falls
	// inside the lookback window, oldest first.
	Conversations(ctx context.Context, list List, lookback time.Duration) ([]*Conversation, error)
}
