// mlbridge bridges code-review forge activity onto mailing lists and the
// issue tracker: threaded review mail, webrev publication, archive reply
// ingestion, and post-integration tracker reconciliation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mlbridge/mlbridge/internal/bridge"
	"github.com/mlbridge/mlbridge/internal/config"
	"github.com/mlbridge/mlbridge/internal/forge/github"
	"github.com/mlbridge/mlbridge/internal/list"
	"github.com/mlbridge/mlbridge/internal/logging"
	"github.com/mlbridge/mlbridge/internal/notify"
	"github.com/mlbridge/mlbridge/internal/scheduler"
	"github.com/mlbridge/mlbridge/internal/state"
	"github.com/mlbridge/mlbridge/internal/tracker/jira"
	"github.com/mlbridge/mlbridge/internal/vcs"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "mlbridge",
		Short: "Bridge forge pull requests to mailing lists and the issue tracker",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a mlbridge.jsonc configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge and notifier bots until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(serve)

	checkConfig := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("configuration ok: %d repositories, %d lists\n",
				len(cfg.Forge.Repositories), len(cfg.Bridge.Lists))
			return nil
		},
	}
	root.AddCommand(checkConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Setup(verbose)

	cacheRoot, err := cacheDir()
	if err != nil {
		return err
	}
	cloneCache := filepath.Join(cacheRoot, "repos")

	forgeBackend := github.NewBackend(cfg.Forge.Token)
	trackerBackend := jira.NewBackend(cfg.Tracker.APIBase, cfg.Tracker.Project, cfg.Tracker.Token)

	stateURL := cfg.State.RepositoryURL
	if stateURL == "" {
		stateURL = cfg.Webrev.RepositoryURL
	}
	stateRepo, err := vcs.Materialize(ctx, cloneCache, stateURL, "")
	if err != nil {
		return fmt.Errorf("materializing state repository: %w", err)
	}
	store := state.NewRefStore(stateRepo, cfg.State.Branch, cfg.State.Path)

	webrevRepo, err := vcs.Materialize(ctx, cloneCache, cfg.Webrev.RepositoryURL, "")
	if err != nil {
		return fmt.Errorf("materializing webrev repository: %w", err)
	}
	publisher := &bridge.Publisher{
		Storage:     webrevRepo,
		Branch:      cfg.Webrev.Ref,
		BasePath:    cfg.Webrev.BasePath,
		MirrorURL:   cfg.Webrev.MirrorURL,
		MaxBlobSize: cfg.Webrev.MaxBlobSize,
	}
	if err := publisher.VerifyMirror(ctx, nil); err != nil {
		return err
	}

	cachePath := cfg.Bridge.ArchiveCachePath
	if cachePath == "" {
		cachePath = filepath.Join(cacheRoot, "archive.db")
	}
	archiveCache, err := list.OpenCache(cachePath)
	if err != nil {
		return err
	}
	defer archiveCache.Close()

	sender := list.NewSMTPSender(cfg.Bridge.SMTPServer, cfg.Bridge.SenderEmail)
	archive := list.NewHTTPArchive(cfg.Bridge.ArchiveURLBase, nil)

	bridgeBot, err := bridge.NewBot(*cfg, forgeBackend, sender, archive,
		archiveCache, store, publisher, cloneCache, logging.For("bridge"))
	if err != nil {
		return err
	}

	issueListener := &notify.IssueListener{
		Tracker: trackerBackend,
		Config:  cfg.Notify,
		Commits: commitLookup(cloneCache),
		Log:     logging.For("notify"),
	}
	notifyBot := notify.NewBot(*cfg, forgeBackend, store,
		[]notify.Listener{issueListener}, logging.For("notify"))

	scratchRoot := cfg.Scheduler.ScratchDir
	if scratchRoot == "" {
		scratchRoot = filepath.Join(os.TempDir(), "mlbridge")
	}
	if err := os.MkdirAll(scratchRoot, 0755); err != nil {
		return fmt.Errorf("creating scratch root: %w", err)
	}

	sched := scheduler.New(
		[]scheduler.Bot{bridgeBot, notifyBot},
		cfg.Scheduler.ParseInterval(),
		cfg.Scheduler.MaxParallel,
		scratchRoot,
	)
	return sched.Run(ctx)
}

// commitLookup resolves commit hashes against the shared clone cache.
func commitLookup(cloneCache string) notify.CommitLookup {
	return func(ctx context.Context, repo, hash string) (*vcs.Commit, error) {
		src, err := vcs.Materialize(ctx, cloneCache, "https://github.com/"+repo+".git", "")
		if err != nil {
			return nil, err
		}
		return src.CommitInfo(ctx, hash)
	}
}

func cacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	dir := filepath.Join(base, "mlbridge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	return dir, nil
}
