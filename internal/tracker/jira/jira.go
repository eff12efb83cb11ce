// Package jira implements the tracker interface against a Jira-style
// REST API, which is what the upstream issue tracker speaks.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mlbridge/mlbridge/internal/tracker"
)

// Backend talks to one Jira project.
type Backend struct {
	baseURL string
	project string
	token   string
	client  *http.Client
}

var _ tracker.Tracker = (*Backend)(nil)

// NewBackend creates a backend for the REST API at baseURL (ending before
// "/rest/api/2") authenticating with a bearer token.
func NewBackend(baseURL, project, token string) *Backend {
	return &Backend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		project: project,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type issuePayload struct {
	Key    string `json:"key"`
	Fields struct {
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Summary     string `json:"summary"`
		FixVersions []struct {
			Name string `json:"name"`
		} `json:"fixVersions"`
		Assignee *struct {
			Name string `json:"name"`
		} `json:"assignee"`
		Labels   []string `json:"labels"`
		Security *struct {
			Name string `json:"name"`
		} `json:"security"`
		ResolvedInBuild string `json:"customfield_10006,omitempty"`
		IssueLinks      []struct {
			Type struct {
				Inward  string `json:"inward"`
				Outward string `json:"outward"`
			} `json:"type"`
			InwardIssue *struct {
				Key string `json:"key"`
			} `json:"inwardIssue"`
			OutwardIssue *struct {
				Key string `json:"key"`
			} `json:"outwardIssue"`
		} `json:"issuelinks"`
	} `json:"fields"`
}

// Issue fetches a snapshot by key.
func (b *Backend) Issue(ctx context.Context, id string) (*tracker.Issue, error) {
	var payload issuePayload
	if err := b.do(ctx, http.MethodGet, "/rest/api/2/issue/"+id, nil, &payload); err != nil {
		return nil, err
	}

	issue := &tracker.Issue{
		ID:              payload.Key,
		Type:            tracker.IssueType(payload.Fields.IssueType.Name),
		State:           payload.Fields.Status.Name,
		Title:           payload.Fields.Summary,
		Labels:          payload.Fields.Labels,
		ResolvedInBuild: payload.Fields.ResolvedInBuild,
	}
	for _, fv := range payload.Fields.FixVersions {
		issue.FixVersions = append(issue.FixVersions, fv.Name)
	}
	if payload.Fields.Assignee != nil {
		issue.Assignees = []string{payload.Fields.Assignee.Name}
	}
	if payload.Fields.Security != nil {
		issue.SecurityLevel = payload.Fields.Security.Name
	}
	for _, link := range payload.Fields.IssueLinks {
		switch {
		case link.InwardIssue != nil && strings.EqualFold(link.Type.Inward, tracker.LinkBackportOf):
			issue.Links = append(issue.Links, tracker.Link{Relationship: tracker.LinkBackportOf, IssueID: link.InwardIssue.Key})
		case link.OutwardIssue != nil && strings.EqualFold(link.Type.Outward, tracker.LinkBackportedBy):
			issue.Links = append(issue.Links, tracker.Link{Relationship: tracker.LinkBackportedBy, IssueID: link.OutwardIssue.Key})
		}
	}
	return issue, nil
}

// CreateIssue creates an issue in the configured project.
func (b *Backend) CreateIssue(ctx context.Context, issue tracker.Issue) (*tracker.Issue, error) {
	fields := map[string]any{
		"project":   map[string]string{"key": b.project},
		"issuetype": map[string]string{"name": string(issue.Type)},
		"summary":   issue.Title,
	}
	if len(issue.FixVersions) > 0 {
		versions := make([]map[string]string, len(issue.FixVersions))
		for i, v := range issue.FixVersions {
			versions[i] = map[string]string{"name": v}
		}
		fields["fixVersions"] = versions
	}
	if issue.SecurityLevel != "" {
		fields["security"] = map[string]string{"name": issue.SecurityLevel}
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := b.do(ctx, http.MethodPost, "/rest/api/2/issue", map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return b.Issue(ctx, created.Key)
}

// Comments lists an issue's comments, oldest first.
func (b *Backend) Comments(ctx context.Context, id string) ([]tracker.Comment, error) {
	var payload struct {
		Comments []struct {
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
			Body    string `json:"body"`
			Created string `json:"created"`
		} `json:"comments"`
	}
	if err := b.do(ctx, http.MethodGet, "/rest/api/2/issue/"+id+"/comment", nil, &payload); err != nil {
		return nil, err
	}

	out := make([]tracker.Comment, 0, len(payload.Comments))
	for _, c := range payload.Comments {
		comment := tracker.Comment{Author: c.Author.Name, Body: c.Body}
		if t, err := time.Parse("2006-01-02T15:04:05.000-0700", c.Created); err == nil {
			comment.CreatedAt = t
		}
		out = append(out, comment)
	}
	return out, nil
}

// AddComment appends a comment.
func (b *Backend) AddComment(ctx context.Context, id, body string) error {
	return b.do(ctx, http.MethodPost, "/rest/api/2/issue/"+id+"/comment",
		map[string]string{"body": body}, nil)
}

// SetState transitions the issue by name. The transition id is looked up
// from the available transitions since ids differ per workflow.
func (b *Backend) SetState(ctx context.Context, id, state string) error {
	var payload struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := b.do(ctx, http.MethodGet, "/rest/api/2/issue/"+id+"/transitions", nil, &payload); err != nil {
		return err
	}
	for _, t := range payload.Transitions {
		if t.To.Name == state {
			return b.do(ctx, http.MethodPost, "/rest/api/2/issue/"+id+"/transitions",
				map[string]any{"transition": map[string]string{"id": t.ID}}, nil)
		}
	}
	return fmt.Errorf("no transition to %q available on %s", state, id)
}

// Assign sets the assignee.
func (b *Backend) Assign(ctx context.Context, id, user string) error {
	return b.do(ctx, http.MethodPut, "/rest/api/2/issue/"+id+"/assignee",
		map[string]string{"name": user}, nil)
}

// AddLabel adds a label via the update verb so concurrent label edits
// do not clobber each other.
func (b *Backend) AddLabel(ctx context.Context, id, label string) error {
	return b.updateLabels(ctx, id, "add", label)
}

// RemoveLabel removes a label.
func (b *Backend) RemoveLabel(ctx context.Context, id, label string) error {
	return b.updateLabels(ctx, id, "remove", label)
}

func (b *Backend) updateLabels(ctx context.Context, id, verb, label string) error {
	body := map[string]any{
		"update": map[string]any{
			"labels": []map[string]string{{verb: label}},
		},
	}
	return b.do(ctx, http.MethodPut, "/rest/api/2/issue/"+id, body, nil)
}

// AddLink records a relationship between two issues.
func (b *Backend) AddLink(ctx context.Context, id string, link tracker.Link) error {
	var inward, outward string
	switch link.Relationship {
	case tracker.LinkBackportOf:
		inward, outward = id, link.IssueID
	case tracker.LinkBackportedBy:
		inward, outward = link.IssueID, id
	default:
		return fmt.Errorf("unsupported link relationship %q", link.Relationship)
	}
	body := map[string]any{
		"type":         map[string]string{"name": "Backport"},
		"inwardIssue":  map[string]string{"key": inward},
		"outwardIssue": map[string]string{"key": outward},
	}
	return b.do(ctx, http.MethodPost, "/rest/api/2/issueLink", body, nil)
}

// SetFixVersions replaces the fix-version set.
func (b *Backend) SetFixVersions(ctx context.Context, id string, versions []string) error {
	named := make([]map[string]string, len(versions))
	for i, v := range versions {
		named[i] = map[string]string{"name": v}
	}
	body := map[string]any{
		"fields": map[string]any{"fixVersions": named},
	}
	return b.do(ctx, http.MethodPut, "/rest/api/2/issue/"+id, body, nil)
}

// SetResolvedInBuild updates the resolved-in-build custom field.
func (b *Backend) SetResolvedInBuild(ctx context.Context, id, build string) error {
	body := map[string]any{
		"fields": map[string]any{"customfield_10006": build},
	}
	return b.do(ctx, http.MethodPut, "/rest/api/2/issue/"+id, body, nil)
}

func (b *Backend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return tracker.ErrNotFound
	}
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
