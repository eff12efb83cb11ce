// Package email models Internet Message Format mail the way the bridge
// needs it: deterministic Message-IDs, explicit threading headers, and
// byte-stable rendering so a re-run produces the identical message.
package email

import (
	"crypto/sha256"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"sort"
	"strings"
	"time"
)

// Address is a display-name/address pair.
type Address struct {
	Name    string
	Address string
}

// String renders the address with its display name when present.
func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", a.Name), a.Address)
}

// Domain returns the part after '@', or empty if the address is malformed.
func (a Address) Domain() string {
	_, domain, ok := strings.Cut(a.Address, "@")
	if !ok {
		return ""
	}
	return domain
}

// Email is a single outbound or inbound message.
type Email struct {
	ID         string // Message-ID including angle brackets
	From       Address
	Recipients []Address
	Subject    string
	Body       string
	Date       time.Time

	// InReplyTo is the parent Message-ID; References accumulates the chain
	// from the thread root.
	InReplyTo  string
	References []string

	// Headers carries additional static headers, rendered sorted by name.
	Headers map[string]string
}

// MessageID derives the deterministic Message-ID for an archive item.
// The same (entity, item) pair always yields the same id, which is how the
// archive reader recognizes the bridge's own mails.
func MessageID(entityID, itemID, domain string) string {
	sum := sha256.Sum256([]byte(entityID + "#" + itemID))
	return fmt.Sprintf("<%x@%s>", sum[:16], domain)
}

// Render writes the message in Internet Message Format. Header order is
// fixed so rendering is byte-stable across runs.
func (e *Email) Render(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", e.ID)
	if !e.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\r\n", e.Date.UTC().Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "From: %s\r\n", e.From)
	if len(e.Recipients) > 0 {
		rcpt := make([]string, len(e.Recipients))
		for i, r := range e.Recipients {
			rcpt[i] = r.String()
		}
		fmt.Fprintf(&b, "To: %s\r\n", strings.Join(rcpt, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.Subject))
	if e.InReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", e.InReplyTo)
	}
	if len(e.References) > 0 {
		fmt.Fprintf(&b, "References: %s\r\n", strings.Join(e.References, " "))
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")

	names := make([]string, 0, len(e.Headers))
	for name := range e.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, e.Headers[name])
	}

	b.WriteString("\r\n")
	b.WriteString(e.Body)

	_, err := io.WriteString(w, b.String())
	return err
}

// Parse reads an inbound message. Threading headers are normalized: ids
// keep their angle brackets, References splits on whitespace.
func Parse(r io.Reader) (*Email, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	e := &Email{
		ID:        strings.TrimSpace(msg.Header.Get("Message-ID")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
		Body:      string(body),
		InReplyTo: strings.TrimSpace(msg.Header.Get("In-Reply-To")),
	}

	if refs := msg.Header.Get("References"); refs != "" {
		e.References = strings.Fields(refs)
	}
	if date, err := msg.Header.Date(); err == nil {
		e.Date = date
	}
	if from, err := msg.Header.AddressList("From"); err == nil && len(from) > 0 {
		e.From = Address{Name: from[0].Name, Address: from[0].Address}
	}
	if to, err := msg.Header.AddressList("To"); err == nil {
		for _, a := range to {
			e.Recipients = append(e.Recipients, Address{Name: a.Name, Address: a.Address})
		}
	}

	return e, nil
}

func decodeHeader(s string) string {
	dec := mime.WordDecoder{}
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

// ThreadRoot returns the first References entry, or the message's own
// In-Reply-To when no chain is present. Empty for thread roots.
func (e *Email) ThreadRoot() string {
	if len(e.References) > 0 {
		return e.References[0]
	}
	return e.InReplyTo
}
