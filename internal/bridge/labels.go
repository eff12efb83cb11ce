package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mlbridge/mlbridge/internal/forge"
	"github.com/mlbridge/mlbridge/internal/list"
)

// LabelUpdater keeps every repository's label set aligned with the
// configured mailing lists: one label per list, created when missing and
// re-described when drifted.
type LabelUpdater struct {
	Forge        forge.Forge
	Repositories []string
	Lists        []list.List

	Log *slog.Logger
}

// The description is the list's submission address, which is how a later
// pass recognizes a label it owns.
func listLabelDescription(l list.List) string {
	return l.Email
}

// Sync reconciles labels on every configured repository.
func (u *LabelUpdater) Sync(ctx context.Context) error {
	for _, repo := range u.Repositories {
		if err := u.syncRepository(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

func (u *LabelUpdater) syncRepository(ctx context.Context, repo string) error {
	existing, err := u.Forge.Labels(ctx, repo)
	if err != nil {
		return fmt.Errorf("listing labels on %s: %w", repo, err)
	}
	byName := map[string]forge.Label{}
	for _, l := range existing {
		byName[l.Name] = l
	}

	for _, l := range u.Lists {
		want := forge.Label{Name: l.Name, Description: listLabelDescription(l)}
		have, ok := byName[l.Name]
		switch {
		case !ok:
			u.Log.Info("creating list label", "repository", repo, "label", l.Name)
			if err := u.Forge.CreateLabel(ctx, repo, want); err != nil {
				return fmt.Errorf("creating label %s on %s: %w", l.Name, repo, err)
			}
		case have.Description != want.Description:
			u.Log.Info("updating list label description", "repository", repo, "label", l.Name)
			if err := u.Forge.UpdateLabel(ctx, repo, want); err != nil {
				return fmt.Errorf("updating label %s on %s: %w", l.Name, repo, err)
			}
		}
	}
	return nil
}
