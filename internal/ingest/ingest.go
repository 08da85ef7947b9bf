// Package ingest holds the write path shared by scheduled syncs and push
// events: upsert the item, then rebuild its projections if it changed.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/inbox-sync/internal/model"
	"github.com/nhle/inbox-sync/internal/projection"
	"github.com/nhle/inbox-sync/internal/store"
)

// Item stores item for conn and refreshes its Notification and Task.
// An unchanged payload short-circuits: nothing beyond the lookup is
// written and the result carries no projections.
func Item(
	ctx context.Context,
	repo store.Repository,
	conn *model.IntegrationConnection,
	item *model.ThirdPartyItem,
	now time.Time,
) (*model.ThirdPartyItemCreationResult, error) {
	res, err := repo.CreateOrUpdateThirdPartyItem(ctx, item)
	if err != nil {
		return nil, fmt.Errorf("upserting %s %s: %w", item.Kind(), item.SourceID, err)
	}

	out := &model.ThirdPartyItemCreationResult{
		Item:       res.Value,
		IsModified: res.IsModified,
	}
	if !res.IsModified {
		return out, nil
	}

	proj, err := projection.Build(res.Value, conn.Provider)
	if err != nil {
		return nil, fmt.Errorf("projecting %s: %w", item.SourceID, err)
	}

	if proj.Task != nil {
		tres, err := repo.UpsertTask(ctx, proj.Task)
		if err != nil {
			return nil, fmt.Errorf("upserting task for %s: %w", item.SourceID, err)
		}
		out.Task = tres.Value
	}

	if proj.Notification != nil {
		n := proj.Notification
		switch {
		case out.Task != nil:
			n.TaskID = &out.Task.ID
		case proj.LinkExistingTask:
			linked, err := repo.FindTaskBySourceID(ctx, item.UserID, item.SourceID)
			if err != nil {
				return nil, fmt.Errorf("finding task for %s: %w", item.SourceID, err)
			}
			if linked != nil {
				n.TaskID = &linked.ID
			}
		}

		existing, err := repo.GetNotificationForSourceItem(ctx, n.UserID, n.SourceItemID)
		if err != nil {
			return nil, err
		}
		nres, err := repo.UpsertNotification(ctx, projection.RefreshNotification(existing, n, now))
		if err != nil {
			return nil, fmt.Errorf("upserting notification for %s: %w", item.SourceID, err)
		}
		out.Notification = nres.Value
	}

	return out, nil
}
