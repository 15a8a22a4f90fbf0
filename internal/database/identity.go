package database

import (
	"context"
	"fmt"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/lib/pq"
)

// LoadIdentities returns the identities known to feedID, including global
// ones stored without a feed.
func (d *Database) LoadIdentities(ctx context.Context, feedID string) ([]identity.Identity, error) {
	rows, err := d.querier(ctx).QueryContext(ctx,
		`SELECT id, name, embedding FROM identities
			WHERE feed_id = $1 OR feed_id IS NULL
			ORDER BY id`, feedID)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer rows.Close()

	var out []identity.Identity
	for rows.Next() {
		var (
			id        identity.Identity
			embedding []float64
		)
		if err := rows.Scan(&id.ID, &id.Name, pq.Array(&embedding)); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.Embedding = embedding
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpsertIdentity stores a known identity; an empty feedID makes it global.
func (d *Database) UpsertIdentity(ctx context.Context, feedID string, id identity.Identity) error {
	var feed any
	if feedID != "" {
		feed = feedID
	}
	_, err := d.querier(ctx).ExecContext(ctx,
		`INSERT INTO identities (id, feed_id, name, embedding) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET feed_id = EXCLUDED.feed_id, name = EXCLUDED.name, embedding = EXCLUDED.embedding`,
		id.ID,
		feed,
		id.Name,
		pq.Array([]float64(id.Embedding)),
	)
	if err != nil {
		return fmt.Errorf("upsert identity %s: %w", id.ID, err)
	}
	return nil
}
