package config

import "time"

// Config is the top-level bridge configuration.
type Config struct {
	Forge     ForgeConfig     `json:"forge"`
	Tracker   TrackerConfig   `json:"tracker"`
	Bridge    BridgeConfig    `json:"bridge"`
	Webrev    WebrevConfig    `json:"webrev"`
	Notify    NotifyConfig    `json:"notify"`
	State     StateConfig     `json:"state"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// StateConfig locates the durable state blob. When RepositoryURL is empty
// the webrev archive-storage repository is reused.
type StateConfig struct {
	RepositoryURL string `json:"repository_url,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Path          string `json:"path,omitempty"`
}

// ForgeConfig holds forge access settings.
type ForgeConfig struct {
	// Token authenticates REST and GraphQL calls.
	Token string `json:"token"`
	// Repositories is the set of "owner/name" repositories the bridge serves.
	Repositories []string `json:"repositories"`
}

// TrackerConfig holds issue-tracker settings.
type TrackerConfig struct {
	// URLBase is the browse URL prefix rendered into mails,
	// e.g. "https://bugs.openjdk.org/browse/".
	URLBase string `json:"url_base"`
	// APIBase is the REST API root, e.g. "https://bugs.openjdk.org".
	APIBase string `json:"api_base"`
	// Token authenticates tracker API calls.
	Token string `json:"token,omitempty"`
	// Project is the tracker project key, e.g. "JDK".
	Project string `json:"project"`
	// SecurityLevel, when set, is inherited by created backports.
	SecurityLevel string `json:"security_level,omitempty"`
}

// ReadyComment is a comment-based ready condition: the PR is not
// review-ready until the given author has posted a comment matching Pattern.
type ReadyComment struct {
	Author  string `json:"author"`
	Pattern string `json:"pattern"`
}

// ListConfig describes one mailing list the bridge serves.
type ListConfig struct {
	// Name is the list's short name, also used as the forge label.
	Name string `json:"name"`
	// Email is the list's submission address.
	Email string `json:"email"`
	// Labels restricts the list to PRs carrying any of these labels.
	// Empty means the list receives every bridged PR.
	Labels []string `json:"labels,omitempty"`
}

// BridgeConfig holds mailing-list bridge settings.
type BridgeConfig struct {
	// SenderName and SenderEmail form the From header of every bridged mail.
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`

	// SMTPServer is the host:port of the submission server.
	SMTPServer string `json:"smtp_server"`
	// ArchiveURLBase is the public archive root the reader polls,
	// e.g. "https://mail.openjdk.org/pipermail/".
	ArchiveURLBase string `json:"archive_url_base"`

	Lists []ListConfig `json:"lists"`

	// ReadyLabels must all be present before a PR is bridged.
	ReadyLabels []string `json:"ready_labels,omitempty"`
	// ReadyComments must each have at least one match before a PR is bridged.
	ReadyComments []ReadyComment `json:"ready_comments,omitempty"`

	// IgnoredUsers are forge accounts whose comments are never bridged.
	IgnoredUsers []string `json:"ignored_users,omitempty"`
	// IgnoredComments are regular expressions; matching comments are dropped.
	IgnoredComments []string `json:"ignored_comments,omitempty"`
	// HiddenMarker truncates comment bodies: anything at or below the marker
	// is stripped before bridging.
	HiddenMarker string `json:"hidden_marker,omitempty"`

	// Headers are static extra headers stamped onto every outbound mail.
	Headers map[string]string `json:"headers,omitempty"`

	// RepoInSubject prefixes subjects with "<repo>: " when true.
	RepoInSubject bool `json:"repo_in_subject,omitempty"`

	// Cooldown defers bridging while a PR is still being updated.
	Cooldown string `json:"cooldown,omitempty"`
	// SendInterval is the minimum delay between two outbound mails.
	SendInterval string `json:"send_interval,omitempty"`

	// Lookback bounds how far back the archive reader scans.
	Lookback string `json:"lookback,omitempty"`
	// MaxReplySize is the inbound body-size ceiling in bytes; larger replies
	// are bridged as a "too large" notice.
	MaxReplySize int `json:"max_reply_size,omitempty"`
	// ArchiveCachePath is the sqlite file backing the archive message cache.
	ArchiveCachePath string `json:"archive_cache_path,omitempty"`

	// ContextLines is the size of the file context window rendered under
	// review comments, in lines on each side of the target line.
	ContextLines int `json:"context_lines,omitempty"`
}

// WebrevConfig holds webrev publication settings.
type WebrevConfig struct {
	// RepositoryURL is the archive-storage repository the artifacts push to.
	RepositoryURL string `json:"repository_url"`
	// Ref is the branch inside the archive-storage repository.
	Ref string `json:"ref"`
	// BasePath prefixes every artifact path inside the repository.
	BasePath string `json:"base_path,omitempty"`
	// MirrorURL is the public base URL rendered into mails.
	MirrorURL string `json:"mirror_url"`
	// MaxBlobSize replaces larger blobs with a placeholder notice, in bytes.
	MaxBlobSize int64 `json:"max_blob_size,omitempty"`
}

// NotifyConfig holds PR/issue notifier settings.
type NotifyConfig struct {
	// IntegratorID is the forge account whose "Pushed as commit" comment
	// marks integration.
	IntegratorID string `json:"integrator_id"`
	// BranchVersions maps target branch names to requested fix-versions.
	BranchVersions map[string]string `json:"branch_versions,omitempty"`
	// FixVersion is the fallback requested fix-version when no branch
	// mapping matches.
	FixVersion string `json:"fix_version,omitempty"`
	// StreamDuplicateLabel marks later issues inside one release stream,
	// e.g. "hgupdater-sync".
	StreamDuplicateLabel string `json:"stream_duplicate_label,omitempty"`
	// CommitURLBase prefixes commit hashes in tracker comments.
	CommitURLBase string `json:"commit_url_base,omitempty"`
}

// SchedulerConfig holds work-item runtime settings.
type SchedulerConfig struct {
	Interval    string `json:"interval"`
	MaxParallel int    `json:"max_parallel"`
	ScratchDir  string `json:"scratch_dir,omitempty"`
}

// ParseInterval returns the scheduler period as a duration.
func (s SchedulerConfig) ParseInterval() time.Duration {
	return parseDuration(s.Interval, 2*time.Minute)
}

// ParseCooldown returns the bridge cooldown window.
func (b BridgeConfig) ParseCooldown() time.Duration {
	return parseDuration(b.Cooldown, 0)
}

// ParseSendInterval returns the outbound mail pacing delay.
func (b BridgeConfig) ParseSendInterval() time.Duration {
	return parseDuration(b.SendInterval, 0)
}

// ParseLookback returns the archive reader lookback window.
func (b BridgeConfig) ParseLookback() time.Duration {
	return parseDuration(b.Lookback, 30*24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Bridge: BridgeConfig{
			Cooldown:     "1m",
			Lookback:     "720h",
			MaxReplySize: 100 * 1024,
			ContextLines: 2,
		},
		Webrev: WebrevConfig{
			Ref:         "master",
			MaxBlobSize: 5 * 1024 * 1024,
		},
		State: StateConfig{
			Branch: "state",
			Path:   "state/prs.jsonl",
		},
		Scheduler: SchedulerConfig{
			Interval:    "2m",
			MaxParallel: 4,
		},
	}
}
