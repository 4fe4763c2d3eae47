package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meanderhq/meander-go/internal/journey"
)

// SaveJourney persists a journey snapshot, replacing any previous snapshot
// for the same id. Called after every runner mutation, so last write wins.
func (s *Store) SaveJourney(ctx context.Context, j *journey.Journey) error {
	stateJSON, err := marshalJourney(j)
	if err != nil {
		return fmt.Errorf("save journey: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO journeys
		(id, campaign_id, distinct_id, status, state, updated_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			campaign_id = excluded.campaign_id,
			distinct_id = excluded.distinct_id,
			status      = excluded.status,
			state       = excluded.state,
			updated_at  = excluded.updated_at,
			started_at  = excluded.started_at
	`,
		j.ID,
		j.CampaignID,
		j.DistinctID,
		string(j.Status),
		stateJSON,
		j.UpdatedAt.UnixMilli(),
		j.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save journey: %w", err)
	}

	return nil
}

// LoadJourney retrieves a journey snapshot by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) LoadJourney(ctx context.Context, id string) (*journey.Journey, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM journeys WHERE id = ?
	`, id).Scan(&stateJSON)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("load journey: %w", err)
	}

	return unmarshalJourney(stateJSON)
}

// DeleteJourney removes a journey snapshot. Deleting a missing journey is
// not an error.
func (s *Store) DeleteJourney(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM journeys WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete journey: %w", err)
	}
	return nil
}

// ActiveJourneys returns all running and paused journeys in deterministic
// order, for startup restore.
//
// Returns an empty slice (not nil) when none exist.
func (s *Store) ActiveJourneys(ctx context.Context) ([]*journey.Journey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM journeys
		WHERE status IN (?, ?)
		ORDER BY id ASC COLLATE BINARY
	`, string(journey.StatusRunning), string(journey.StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("active journeys: %w", err)
	}
	defer rows.Close()

	var journeys []*journey.Journey
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		j, err := unmarshalJourney(stateJSON)
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journeys: %w", err)
	}

	if journeys == nil {
		journeys = []*journey.Journey{}
	}

	return journeys, nil
}

// JourneyQuota summarizes one user's history with one campaign, for
// instantiation limits. Exited journeys stay in the table and keep
// counting toward Total.
type JourneyQuota struct {
	Total       int64
	Active      int64
	LastStarted time.Time
}

// JourneyQuota reports the quota facts for one campaign and user.
// LastStarted is zero when the user never started the campaign.
func (s *Store) JourneyQuota(ctx context.Context, campaignID, distinctID string) (JourneyQuota, error) {
	var q JourneyQuota
	var lastMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0),
			MAX(started_at)
		FROM journeys
		WHERE campaign_id = ? AND distinct_id = ?
	`, string(journey.StatusRunning), string(journey.StatusPaused), campaignID, distinctID).
		Scan(&q.Total, &q.Active, &lastMs)
	if err != nil {
		return JourneyQuota{}, fmt.Errorf("journey quota: %w", err)
	}
	if lastMs.Valid && lastMs.Int64 > 0 {
		q.LastStarted = time.UnixMilli(lastMs.Int64).UTC()
	}
	return q, nil
}

// ReassignJourneys moves active journeys from one distinct id to another,
// updating both the indexed column and the embedded snapshot. Exited
// journeys keep their historical id. Returns the number updated.
func (s *Store) ReassignJourneys(ctx context.Context, fromID, toID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reassign journeys: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rows, err := tx.QueryContext(ctx, `
		SELECT id, state FROM journeys
		WHERE distinct_id = ? AND status IN (?, ?)
		ORDER BY id ASC COLLATE BINARY
	`, fromID, string(journey.StatusRunning), string(journey.StatusPaused))
	if err != nil {
		return 0, fmt.Errorf("reassign journeys: query: %w", err)
	}

	type pending struct {
		id    string
		state string
	}
	var updates []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.state); err != nil {
			rows.Close()
			return 0, fmt.Errorf("reassign journeys: scan: %w", err)
		}
		j, err := unmarshalJourney(p.state)
		if err != nil {
			rows.Close()
			return 0, err
		}
		j.DistinctID = toID
		p.state, err = marshalJourney(j)
		if err != nil {
			rows.Close()
			return 0, err
		}
		updates = append(updates, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("reassign journeys: iterate: %w", err)
	}
	rows.Close()

	for _, p := range updates {
		if _, err := tx.ExecContext(ctx, `
			UPDATE journeys SET distinct_id = ?, state = ? WHERE id = ?
		`, toID, p.state, p.id); err != nil {
			return 0, fmt.Errorf("reassign journeys: update %s: %w", p.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reassign journeys: commit: %w", err)
	}

	return int64(len(updates)), nil
}
