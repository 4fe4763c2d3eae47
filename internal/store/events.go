package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/event"
)

// InsertEvent appends an event to the local log.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are
// silently ignored. Properties are serialized to canonical JSON.
func (s *Store) InsertEvent(ctx context.Context, ev event.Stored) error {
	propsJSON, err := marshalProperties(ev.Properties)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, name, distinct_id, session_id, properties, ts, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.Name,
		ev.DistinctID,
		ev.SessionID,
		propsJSON,
		ev.Timestamp.UnixMilli(),
		ev.Seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	return nil
}

// QueryEvents returns events matching the query, oldest first.
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]event.Stored, error) {
	query, params := buildEventSQL(q)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Stored
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if events == nil {
		events = []event.Stored{}
	}

	return events, nil
}

// CountEvents returns the number of events matching the query, honoring the
// same scan bound as QueryEvents.
func (s *Store) CountEvents(ctx context.Context, q EventQuery) (int64, error) {
	query, params := buildEventCountSQL(q)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, params...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// ReadEvent retrieves a single event by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadEvent(ctx context.Context, id string) (event.Stored, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM events
		WHERE id = ?
	`, id)

	return scanEventRow(row)
}

// ReassignEvents moves all events from one distinct id to another.
// Part of the identity transition: locally stored anonymous history follows
// the user onto their identified id. Returns the number of rows updated.
func (s *Store) ReassignEvents(ctx context.Context, fromID, toID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE events SET distinct_id = ? WHERE distinct_id = ?
	`, toID, fromID)
	if err != nil {
		return 0, fmt.Errorf("reassign events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reassign events: rows affected: %w", err)
	}
	return n, nil
}

// MaxEventSeq returns the highest sequence number in the log, or zero when
// the log is empty. The pipeline seeds its logical clock from this on
// startup so sequence numbers keep increasing across restarts.
func (s *Store) MaxEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM events
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max event seq: %w", err)
	}
	return seq, nil
}

// Cleanup enforces retention: events older than maxAge are removed, then
// the log is trimmed to the newest maxCount rows. Zero disables either
// bound. Returns the number of rows deleted.
func (s *Store) Cleanup(ctx context.Context, maxCount int, maxAge time.Duration, now time.Time) (int64, error) {
	var deleted int64

	if maxAge > 0 {
		cutoff := now.Add(-maxAge).UnixMilli()
		result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("cleanup by age: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("cleanup by age: rows affected: %w", err)
		}
		deleted += n
	}

	if maxCount > 0 {
		// Keep the newest maxCount rows; delete everything beyond them.
		result, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE id IN (
				SELECT id FROM events
				ORDER BY `+orderDesc+`
				LIMIT -1 OFFSET ?
			)
		`, maxCount)
		if err != nil {
			return deleted, fmt.Errorf("cleanup by count: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return deleted, fmt.Errorf("cleanup by count: rows affected: %w", err)
		}
		deleted += n
	}

	return deleted, nil
}

// EventStats summarizes the local log for diagnostics.
type EventStats struct {
	TotalEvents   int64
	DistinctUsers int64
	Oldest        time.Time
	Newest        time.Time
}

// Stats returns log-wide counters. Oldest/Newest are zero when the log is
// empty.
func (s *Store) Stats(ctx context.Context) (EventStats, error) {
	var stats EventStats
	var oldest, newest sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT distinct_id), MIN(ts), MAX(ts)
		FROM events
	`).Scan(&stats.TotalEvents, &stats.DistinctUsers, &oldest, &newest)
	if err != nil {
		return EventStats{}, fmt.Errorf("event stats: %w", err)
	}

	if oldest.Valid {
		stats.Oldest = time.UnixMilli(oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.Newest = time.UnixMilli(newest.Int64).UTC()
	}
	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows *sql.Rows) (event.Stored, error) {
	return scanEventFrom(rows)
}

func scanEventRow(row *sql.Row) (event.Stored, error) {
	return scanEventFrom(row)
}

func scanEventFrom(sc scanner) (event.Stored, error) {
	var ev event.Stored
	var propsJSON string
	var ts int64

	if err := sc.Scan(
		&ev.ID,
		&ev.Name,
		&ev.DistinctID,
		&ev.SessionID,
		&propsJSON,
		&ts,
		&ev.Seq,
	); err != nil {
		if err == sql.ErrNoRows {
			return event.Stored{}, err
		}
		return event.Stored{}, fmt.Errorf("scan event: %w", err)
	}

	props, err := unmarshalProperties(propsJSON)
	if err != nil {
		return event.Stored{}, fmt.Errorf("scan event %s: %w", ev.ID, err)
	}
	ev.Properties = props
	ev.Timestamp = time.UnixMilli(ts).UTC()

	return ev, nil
}
