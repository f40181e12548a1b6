package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const userColumns = `telegram_id, active, profile_complete, is_seeker, is_provider,
	summary, embedding, profile_updated_at, created_at`

// EnsureUser creates the user on first contact and returns the stored row.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, now time.Time) (*User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id, created_at) VALUES (?, ?)
		 ON CONFLICT(telegram_id) DO NOTHING`,
		telegramID, toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, telegramID)
}

func (s *Store) GetUser(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// UpdateProfile stores the extracted profile fields and embedding and stamps
// profile_updated_at, which also orders round-robin selection.
func (s *Store) UpdateProfile(ctx context.Context, u *User, now time.Time) error {
	emb, err := encodeEmbedding(u.Embedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE users SET profile_complete = ?, is_seeker = ?, is_provider = ?,
		 summary = ?, embedding = ?, profile_updated_at = ?
		 WHERE telegram_id = ?`,
		u.ProfileComplete, u.IsSeeker, u.IsProvider, u.Summary, emb,
		nullMillis(now), u.TelegramID,
	)
	return err
}

func (s *Store) SetUserActive(ctx context.Context, telegramID int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET active = ? WHERE telegram_id = ?`, active, telegramID)
	return err
}

// NextUserA picks the next round-robin subject: the eligible user not yet
// tried this round with the oldest profile_updated_at. The stable order keeps
// fairness independent of activity bursts.
func (s *Store) NextUserA(ctx context.Context, exclude map[int64]bool) (*User, error) {
	q := `SELECT ` + userColumns + ` FROM users
	 WHERE active = 1 AND profile_complete = 1 AND embedding IS NOT NULL
	   AND (is_seeker = 1 OR is_provider = 1)`
	args := make([]any, 0, len(exclude))
	if len(exclude) > 0 {
		q += ` AND telegram_id NOT IN (` + placeholders(len(exclude)) + `)`
		for id := range exclude {
			args = append(args, id)
		}
	}
	q += ` ORDER BY profile_updated_at IS NULL, profile_updated_at ASC LIMIT 1`

	row := s.db.QueryRowContext(ctx, q, args...)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// CandidatesByRole lists eligible users carrying the target role, excluding
// the source user. Similarity scoring happens in the matching package.
func (s *Store) CandidatesByRole(ctx context.Context, role string, excludeID int64) ([]*User, error) {
	roleCol := "is_provider"
	if role == "seeker" {
		roleCol = "is_seeker"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE active = 1 AND profile_complete = 1 AND embedding IS NOT NULL
		   AND `+roleCol+` = 1 AND telegram_id != ?`,
		excludeID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u    User
		emb  sql.NullString
		puMS sql.NullInt64
		crMS int64
	)
	err := row.Scan(&u.TelegramID, &u.Active, &u.ProfileComplete, &u.IsSeeker,
		&u.IsProvider, &u.Summary, &emb, &puMS, &crMS)
	if err != nil {
		return nil, err
	}
	if emb.Valid {
		if u.Embedding, err = decodeEmbedding(emb.String); err != nil {
			return nil, err
		}
	}
	if puMS.Valid {
		u.ProfileUpdatedAt = fromMillis(puMS.Int64)
	}
	u.CreatedAt = fromMillis(crMS)
	return &u, nil
}

func encodeEmbedding(v []float32) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEmbedding(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
