package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/observability"
)

// Resolve returns tag metadata; unassigned tags yield the zero value.
func (r *Repository) Resolve(ctx context.Context, tagID string) (domain.TagMetadata, error) {
	var meta domain.TagMetadata
	err := r.pool.QueryRow(ctx, `SELECT category, name FROM tag_assignments WHERE tag_id=$1`, tagID).Scan(&meta.Category, &meta.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TagMetadata{}, nil
		}
		return domain.TagMetadata{}, err
	}
	return meta, nil
}

// AssignTag upserts the naming of a tag.
func (r *Repository) AssignTag(ctx context.Context, tagID string, meta domain.TagMetadata) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tag_assignments (tag_id, category, name, updated_at) VALUES ($1,$2,$3,NOW())
         ON CONFLICT (tag_id) DO UPDATE SET category = EXCLUDED.category, name = EXCLUDED.name, updated_at = NOW()`,
		tagID, meta.Category, meta.Name,
	)
	return err
}

// TagIDs lists every tag that has reported at least one event.
func (r *Repository) TagIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tag_id FROM presence_events ORDER BY tag_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// RecentEvents returns the live board, newest first.
func (r *Repository) RecentEvents(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.BoardEntry, *domain.Cursor, error) {
	args := []interface{}{limit}
	query := `SELECT e.event_id, e.seq, e.tag_id, e.device_id, e.event_type, e.occurred_at, e.tag_present,
            COALESCE(e.tag_type, ''), COALESCE(e.wifi_status, ''), COALESCE(e.time_status, ''), e.relaxed, e.received_at, t.name
        FROM presence_events e
        LEFT JOIN tag_assignments t ON t.tag_id = e.tag_id`

	if cursor != nil {
		query += ` WHERE (e.occurred_at, e.seq) < ($2, $3)`
		args = append(args, cursor.OccurredAt, cursor.Seq)
	}
	query += ` ORDER BY e.occurred_at DESC, e.seq DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.BoardEntry, 0, limit)
	for rows.Next() {
		var name *string
		ev, err := scanEvent(rows, &name)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, domain.BoardEntry{Event: ev, TagName: name})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(results) == limit {
		last := results[len(results)-1].Event
		next = &domain.Cursor{OccurredAt: last.OccurredAt, Seq: last.Seq}
	}
	return results, next, nil
}

// Counts reports table sizes for diagnostics.
func (r *Repository) Counts(ctx context.Context) (domain.StoreCounts, error) {
	const query = `SELECT
            (SELECT COUNT(*) FROM presence_events),
            (SELECT COUNT(*) FROM device_keys),
            (SELECT COUNT(*) FROM tag_assignments),
            (SELECT COUNT(*) FROM time_block_snapshots)`

	var c domain.StoreCounts
	if err := r.pool.QueryRow(ctx, query).Scan(&c.Events, &c.Credentials, &c.Tags, &c.Snapshots); err != nil {
		return domain.StoreCounts{}, err
	}
	return c, nil
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ReplaceSnapshots swaps the materialised blocks of a tag in one transaction.
func (r *Repository) ReplaceSnapshots(ctx context.Context, tagID string, blocks []domain.TimeBlock) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM time_block_snapshots WHERE tag_id=$1`, tagID); err != nil {
		return err
	}

	refreshedAt := time.Now().UTC()
	rows := make([][]any, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, []any{
			b.TagID, b.DeviceID, b.StartEventID, b.EndEventID, b.StartAt, b.EndAt,
			b.Duration.Seconds(), b.ActivityDate, b.Category, b.Name, refreshedAt,
		})
	}

	if len(rows) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"time_block_snapshots"},
			[]string{"tag_id", "device_id", "start_event_id", "end_event_id", "start_at", "end_at",
				"duration_seconds", "activity_date", "category", "name", "refreshed_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordSnapshotRefreshed(refreshedAt)
	return nil
}
