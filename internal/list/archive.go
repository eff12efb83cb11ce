package list

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mlbridge/mlbridge/internal/email"
)

// HTTPArchive polls a pipermail-style archive over HTTP: one mbox file
// per list per month. The archive stays authoritative; this client only
// reads the window the bridge cares about.
type HTTPArchive struct {
	// BaseURL is the archive root; the list name and month file are
	// appended, e.g. "<base>/<list>/2026-August.txt".
	BaseURL string
	Client  *http.Client

	// now is swappable in tests.
	now func() time.Time
}

// NewHTTPArchive returns an archive client over the given root.
func NewHTTPArchive(baseURL string, client *http.Client) *HTTPArchive {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &HTTPArchive{BaseURL: baseURL, Client: client, now: time.Now}
}

var _ Archive = (*HTTPArchive)(nil)

// Conversations fetches every month overlapping the lookback window and
// threads the messages via their References chains. Oldest conversation
// first.
func (a *HTTPArchive) Conversations(ctx context.Context, l List, lookback time.Duration) ([]*Conversation, error) {
	var messages []*email.Email
	for _, month := range monthsBack(a.now(), lookback) {
		raw, err := a.fetchMonth(ctx, l, month)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		parsed, err := parseMbox(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s archive for %s: %w", month, l.Name, err)
		}
		messages = append(messages, parsed...)
	}
	return thread(l, messages), nil
}

func (a *HTTPArchive) fetchMonth(ctx context.Context, l List, month string) ([]byte, error) {
	url := strings.TrimSuffix(a.BaseURL, "/") + "/" + l.Name + "/" + month + ".txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building archive request: %w", err)
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	// Months with no traffic simply do not exist yet.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// monthsBack lists the pipermail month file names covering
// [now-lookback, now], oldest first.
func monthsBack(now time.Time, lookback time.Duration) []string {
	oldest := now.Add(-lookback)
	start := time.Date(oldest.Year(), oldest.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []string
	for cursor := start; !cursor.After(end); cursor = cursor.AddDate(0, 1, 0) {
		months = append(months, fmt.Sprintf("%d-%s", cursor.Year(), cursor.Month()))
	}
	return months
}

// parseMbox splits a classic mbox stream on "From " separator lines and
// parses each message, un-escaping ">From " body lines.
func parseMbox(raw []byte) ([]*email.Email, error) {
	var messages []*email.Email
	var current []string

	flush := func() {
		if len(current) == 0 {
			return
		}
		text := strings.Join(current, "\n")
		current = nil
		// One mangled archive entry must not hide the rest.
		if msg, err := email.Parse(strings.NewReader(text)); err == nil {
			messages = append(messages, msg)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") {
			flush()
			continue
		}
		if strings.HasPrefix(line, ">From ") {
			line = line[1:]
		}
		current = append(current, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	flush()
	return messages, nil
}

// thread groups messages into conversations by walking References up to
// the root. Messages whose ancestors never appear start their own
// conversation.
func thread(l List, messages []*email.Email) []*Conversation {
	byID := map[string]*Conversation{}
	var conversations []*Conversation

	for _, msg := range messages {
		var conv *Conversation
		if root := msg.ThreadRoot(); root != "" {
			conv = byID[root]
		}
		if conv == nil && msg.InReplyTo != "" {
			conv = byID[msg.InReplyTo]
		}

		if conv == nil {
			conv = &Conversation{List: l, First: msg}
			conversations = append(conversations, conv)
		} else {
			conv.Replies = append(conv.Replies, msg)
		}
		if msg.ID != "" {
			byID[msg.ID] = conv
		}
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].First.Date.Before(conversations[j].First.Date)
	})
	return conversations
}
