package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const matchColumns = `id, user_a, user_b, matching_round, similarity_score, rationale, status, created_at`

func (s *Store) CreateMatch(ctx context.Context, m *Match) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (`+matchColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID.String(), m.UserA, nullInt64(m.UserB), m.MatchingRound,
		m.Similarity, m.Rationale, string(m.Status), toMillis(m.CreatedAt),
	)
	return err
}

func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (*Match, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = ?`, id.String())
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// TransitionMatch moves a match between consent states only when it is still
// in the expected state. False means someone else transitioned it first.
func (s *Store) TransitionMatch(ctx context.Context, id uuid.UUID, from, to MatchStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE matches SET status = ? WHERE id = ? AND status = ?`,
		string(to), id.String(), string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetMatchRationale(ctx context.Context, id uuid.UUID, rationale string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE matches SET rationale = ? WHERE id = ?`, rationale, id.String())
	return err
}

// CursorRound reads the persisted matching round.
func (s *Store) CursorRound(ctx context.Context) (int, error) {
	var round int
	err := s.db.QueryRowContext(ctx,
		`SELECT current_round FROM matching_cursor WHERE id = 1`).Scan(&round)
	return round, err
}

// AdvanceRound bumps the cursor past the given round. The conditional update
// keeps the round monotonic if two advances race.
func (s *Store) AdvanceRound(ctx context.Context, from int) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE matching_cursor SET current_round = current_round + 1
		 WHERE id = 1 AND current_round = ?`, from)
	if err != nil {
		return 0, err
	}
	return s.CursorRound(ctx)
}

// TriedInRound lists users already attempted as user_a in the round. Every
// attempt (matched or not) leaves a match record, so the set reconstructs the
// cursor after a restart.
func (s *Store) TriedInRound(ctx context.Context, round int) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_a FROM matches WHERE matching_round = ?`, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tried := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tried[id] = true
	}
	return tried, rows.Err()
}

// PriorPartners lists everyone ever paired with the user, in either
// direction. Pairs are immutable, so these are excluded from future search.
func (s *Store) PriorPartners(ctx context.Context, userID int64) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_b FROM matches WHERE user_a = ? AND user_b IS NOT NULL
		 UNION
		 SELECT user_a FROM matches WHERE user_b = ?`,
		userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partners := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		partners[id] = true
	}
	return partners, rows.Err()
}

func scanMatch(row rowScanner) (*Match, error) {
	var (
		m      Match
		id     string
		userB  sql.NullInt64
		status string
		crMS   int64
	)
	err := row.Scan(&id, &m.UserA, &userB, &m.MatchingRound, &m.Similarity,
		&m.Rationale, &status, &crMS)
	if err != nil {
		return nil, err
	}
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if userB.Valid {
		m.UserB = userB.Int64
	}
	m.Status = MatchStatus(status)
	m.CreatedAt = fromMillis(crMS)
	return &m, nil
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
