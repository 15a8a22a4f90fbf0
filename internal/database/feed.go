package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/goccy/go-json"
)

const feedColumns = `id, action, video_source, options, frames, events, created_at, updated_at`

// UpsertFeed stores a started feed. A feed seen before keeps its created_at
// and progress counters.
func (d *Database) UpsertFeed(ctx context.Context, feed *models.Feed) error {
	options, err := json.Marshal(feed.Options)
	if err != nil {
		return fmt.Errorf("marshal feed options: %w", err)
	}

	now := time.Now()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	_, err = d.querier(ctx).ExecContext(ctx,
		`INSERT INTO feeds (id, action, video_source, options, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE
			SET action = EXCLUDED.action, video_source = EXCLUDED.video_source,
				options = EXCLUDED.options, updated_at = EXCLUDED.updated_at`,
		feed.ID,
		feed.Action,
		feed.VideoSource,
		options,
		feed.CreatedAt,
		feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert feed %s: %w", feed.ID, err)
	}
	return nil
}

// GetFeed returns ErrFeedNotFound for an unknown id.
func (d *Database) GetFeed(ctx context.Context, feedID string) (*models.Feed, error) {
	row := d.querier(ctx).QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, feedID)

	feed, err := scanFeed(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrFeedNotFound
		}
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return feed, nil
}

// GetFeedsByAction lists feeds whose last command was action.
func (d *Database) GetFeedsByAction(ctx context.Context, action models.CommandAction) ([]models.Feed, error) {
	rows, err := d.querier(ctx).QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE action = $1 ORDER BY id`, action)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

func (d *Database) ChangeFeedAction(ctx context.Context, feedID string, action models.CommandAction) error {
	res, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE feeds SET action = $1, updated_at = $2 WHERE id = $3",
		action,
		time.Now(),
		feedID,
	)
	if err != nil {
		return fmt.Errorf("change feed action: %w", err)
	}
	return expectRow(res)
}

// UpdateFeedProgress records how far a running feed got; it doubles as the
// liveness timestamp.
func (d *Database) UpdateFeedProgress(ctx context.Context, feedID string, frames, events int64) error {
	_, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE feeds SET frames = $1, events = $2, updated_at = $3 WHERE id = $4",
		frames,
		events,
		time.Now(),
		feedID,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFeed(s scanner) (*models.Feed, error) {
	var (
		feed    models.Feed
		options []byte
	)
	err := s.Scan(
		&feed.ID,
		&feed.Action,
		&feed.VideoSource,
		&options,
		&feed.Frames,
		&feed.Events,
		&feed.CreatedAt,
		&feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &feed.Options); err != nil {
			return nil, fmt.Errorf("unmarshal feed options: %w", err)
		}
	}
	return &feed, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrFeedNotFound
	}
	return nil
}

// FindStaleFeeds lists started feeds whose progress has not been recorded
// for longer than olderThan. Their runner most likely died.
func (d *Database) FindStaleFeeds(ctx context.Context, olderThan time.Duration) ([]models.Feed, error) {
	rows, err := d.querier(ctx).QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE action = $1 AND updated_at < $2 ORDER BY updated_at`,
		models.CommandStart,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return nil, fmt.Errorf("find stale feeds: %w", err)
	}
	defer rows.Close()

	var feeds []models.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *feed)
	}
	return feeds, rows.Err()
}

// ClaimStaleFeed touches a stale started feed so that no other runner resumes
// it. It reports false when the feed was refreshed or stopped meanwhile.
func (d *Database) ClaimStaleFeed(ctx context.Context, feedID string, olderThan time.Duration) (bool, error) {
	now := time.Now()
	res, err := d.querier(ctx).ExecContext(ctx,
		"UPDATE feeds SET updated_at = $1 WHERE id = $2 AND action = $3 AND updated_at < $4",
		now,
		feedID,
		models.CommandStart,
		now.Add(-olderThan),
	)
	if err != nil {
		return false, fmt.Errorf("claim feed %s: %w", feedID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
