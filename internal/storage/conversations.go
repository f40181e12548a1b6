package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, telegram_id, history, pending_prompt, session_id, updated_at`

// EnsureConversation returns the user's conversation, creating it on first
// message. One conversation per user.
func (s *Store) EnsureConversation(ctx context.Context, telegramID int64, now time.Time) (*Conversation, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, telegram_id, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(telegram_id) DO NOTHING`,
		uuid.New().String(), telegramID, toMillis(now),
	)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE telegram_id = ?`, telegramID)
	return scanConversation(row)
}

func (s *Store) GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id.String())
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// SetPendingPrompt stashes (or overwrites) the user's unconsumed message.
func (s *Store) SetPendingPrompt(ctx context.Context, id uuid.UUID, prompt string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET pending_prompt = ?, updated_at = ? WHERE id = ?`,
		nullStr(prompt), toMillis(now), id.String(),
	)
	return err
}

// TakePendingPrompt consumes the pending prompt, clearing it in the same
// statement so a re-executed generation does not reprocess the message.
func (s *Store) TakePendingPrompt(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var prompt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT pending_prompt FROM conversations WHERE id = ?`, id.String()).Scan(&prompt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, err
	}
	if !prompt.Valid || prompt.String == "" {
		return "", false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET pending_prompt = NULL WHERE id = ?`, id.String())
	if err != nil {
		return "", false, err
	}
	return prompt.String, true, nil
}

// AppendTurns extends the stored history.
func (s *Store) AppendTurns(ctx context.Context, id uuid.UUID, now time.Time, turns ...Turn) error {
	c, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	history := append(c.History, turns...)
	b, err := json.Marshal(history)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE conversations SET history = ?, updated_at = ? WHERE id = ?`,
		string(b), toMillis(now), id.String(),
	)
	return err
}

// SetSessionID stores or clears the provider-side session reference.
func (s *Store) SetSessionID(ctx context.Context, id uuid.UUID, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET session_id = ? WHERE id = ?`,
		nullStr(sessionID), id.String(),
	)
	return err
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		c       Conversation
		id      string
		history string
		prompt  sql.NullString
		session sql.NullString
		upMS    int64
	)
	err := row.Scan(&id, &c.TelegramID, &history, &prompt, &session, &upMS)
	if err != nil {
		return nil, err
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if history != "" {
		if err := json.Unmarshal([]byte(history), &c.History); err != nil {
			return nil, err
		}
	}
	if prompt.Valid {
		c.PendingPrompt = prompt.String
	}
	if session.Valid {
		c.SessionID = session.String
	}
	c.UpdatedAt = fromMillis(upMS)
	return &c, nil
}
