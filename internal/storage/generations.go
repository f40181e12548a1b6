package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrOpenSubject means the subject already has a pending or in-progress
// generation; creating another would duplicate work.
var ErrOpenSubject = errors.New("subject already has an open generation")

const generationColumns = `id, kind, conversation_id, match_id, status, scheduled_for,
	cost_usd, cached_input_tokens, uncached_input_tokens, output_tokens,
	provider_response_id, created_at, updated_at`

// CreateGeneration inserts a pending record. At most one open (pending or
// in-progress) generation may exist per subject; the partial unique indexes
// on open generations enforce that inside the insert, so two concurrent
// enqueues for one subject cannot both land.
func (s *Store) CreateGeneration(ctx context.Context, g *Generation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO generations (`+generationColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID.String(), string(g.Kind), nullUUID(g.ConversationID), nullUUID(g.MatchID),
		string(g.Status), toMillis(g.ScheduledFor), g.CostUSD,
		g.CachedInputTokens, g.UncachedInputTokens, g.OutputTokens,
		nullStr(g.ProviderResponseID), toMillis(g.CreatedAt), toMillis(g.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return ErrOpenSubject
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// NextDue returns the earliest pending generation with scheduled_for <= now,
// or nil when nothing is ripe.
func (s *Store) NextDue(ctx context.Context, now time.Time) (*Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE status = 'pending' AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC LIMIT 1`,
		toMillis(now),
	)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// Claim transitions a record pending -> in_progress. It is a compare-and-set
// against persisted state: false means another claimant won.
func (s *Store) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = 'in_progress', updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		toMillis(now), id.String(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FinishGeneration records the terminal outcome. Cost and token counts land
// on failures too when the provider billed before erroring.
func (s *Store) FinishGeneration(ctx context.Context, g *Generation, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = ?, cost_usd = ?, cached_input_tokens = ?,
		 uncached_input_tokens = ?, output_tokens = ?, provider_response_id = ?,
		 updated_at = ?
		 WHERE id = ?`,
		string(g.Status), g.CostUSD, g.CachedInputTokens, g.UncachedInputTokens,
		g.OutputTokens, nullStr(g.ProviderResponseID), toMillis(now), g.ID.String(),
	)
	return err
}

// LastCompletedCost returns the cost of the most recently finished generation
// of the kind that actually reached the provider (cost > 0).
func (s *Store) LastCompletedCost(ctx context.Context, kind Kind) (float64, bool, error) {
	var cost float64
	err := s.db.QueryRowContext(ctx,
		`SELECT cost_usd FROM generations
		 WHERE kind = ? AND cost_usd > 0 AND status IN ('succeeded', 'failed')
		 ORDER BY updated_at DESC LIMIT 1`,
		string(kind),
	).Scan(&cost)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cost, true, nil
}

// MaxScheduledFor returns the latest scheduled_for among open generations of
// the kind; new work queues behind it.
func (s *Store) MaxScheduledFor(ctx context.Context, kind Kind) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_for) FROM generations
		 WHERE kind = ? AND status IN ('pending', 'in_progress')`,
		string(kind),
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// ReclaimStale returns abandoned in-progress records to pending. A record is
// abandoned once its last transition predates the grace cutoff.
func (s *Store) ReclaimStale(ctx context.Context, kind Kind, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generations SET status = 'pending', updated_at = ?
		 WHERE kind = ? AND status = 'in_progress' AND updated_at < ?`,
		toMillis(now), string(kind), toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HasOpenGeneration reports whether any pending or in-progress generation of
// the kind exists.
func (s *Store) HasOpenGeneration(ctx context.Context, kind Kind) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM generations
		 WHERE kind = ? AND status IN ('pending', 'in_progress')`,
		string(kind),
	).Scan(&n)
	return n > 0, err
}

// SpendSince sums cost per kind for finished generations updated after the
// given time. Used by the weekly report.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (map[Kind]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, SUM(cost_usd) FROM generations
		 WHERE status IN ('succeeded', 'failed') AND updated_at >= ?
		 GROUP BY kind`,
		toMillis(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Kind]float64{}
	for rows.Next() {
		var kind string
		var sum float64
		if err := rows.Scan(&kind, &sum); err != nil {
			return nil, err
		}
		out[Kind(kind)] = sum
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeneration(row rowScanner) (*Generation, error) {
	var (
		g                   Generation
		id                  string
		kind, status        string
		convID, matchID     sql.NullString
		schedMS, crMS, upMS int64
		providerID          sql.NullString
	)
	err := row.Scan(&id, &kind, &convID, &matchID, &status, &schedMS,
		&g.CostUSD, &g.CachedInputTokens, &g.UncachedInputTokens, &g.OutputTokens,
		&providerID, &crMS, &upMS)
	if err != nil {
		return nil, err
	}
	g.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	g.Kind = Kind(kind)
	g.Status = GenerationStatus(status)
	if convID.Valid {
		if g.ConversationID, err = uuid.Parse(convID.String); err != nil {
			return nil, err
		}
	}
	if matchID.Valid {
		if g.MatchID, err = uuid.Parse(matchID.String); err != nil {
			return nil, err
		}
	}
	g.ScheduledFor = fromMillis(schedMS)
	g.CreatedAt = fromMillis(crMS)
	g.UpdatedAt = fromMillis(upMS)
	if providerID.Valid {
		g.ProviderResponseID = providerID.String
	}
	return &g, nil
}

func nullUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}
