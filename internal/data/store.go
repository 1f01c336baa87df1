package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Turn is one user message and the companion's reply.
type Turn struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Emotion     string    `json:"emotion"`
	Confidence  float64   `json:"confidence"`
	Mood        string    `json:"mood"`
	Persona     string    `json:"persona"`
	CreatedAt   time.Time `json:"timestamp"`
}

// EmotionRecord is a single emotion observation.
type EmotionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence"`
	Mood       string    `json:"mood"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"timestamp"`
}

// AddTurn persists t, assigning an id and timestamp when missing.
func (s *Store) AddTurn(ctx context.Context, t *Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, user_message, ai_response, emotion, confidence, mood, persona, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.UserMessage, t.AIResponse, t.Emotion, t.Confidence, t.Mood, t.Persona, toMillis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// RecentTurns returns the user's last limit turns in chronological order.
func (s *Store) RecentTurns(ctx context.Context, userID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, user_message, ai_response, emotion, confidence, mood, persona, created_at
		FROM conversations
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t  Turn
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.UserMessage, &t.AIResponse, &t.Emotion, &t.Confidence, &t.Mood, &t.Persona, &ms); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.CreatedAt = fromMillis(ms)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// CountTurns returns how many turns the user has stored since the given time.
func (s *Store) CountTurns(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_id = ? AND created_at >= ?`,
		userID, toMillis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// AddEmotionRecord persists r, assigning an id and timestamp when missing.
func (s *Store) AddEmotionRecord(ctx context.Context, r *EmotionRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.Source == "" {
		r.Source = "fused"
	}
	if r.Mood == "" {
		r.Mood = "neutral"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emotion_history (id, user_id, emotion, confidence, mood, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Emotion, r.Confidence, r.Mood, r.Source, toMillis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert emotion record: %w", err)
	}
	return nil
}

// EmotionHistory returns the user's records at or after since, oldest first.
func (s *Store) EmotionHistory(ctx context.Context, userID string, since time.Time) ([]EmotionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, emotion, confidence, mood, source, created_at
		FROM emotion_history
		WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at ASC, rowid ASC`, userID, toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("query emotion history: %w", err)
	}
	defer rows.Close()

	var out []EmotionRecord
	for rows.Next() {
		var (
			r  EmotionRecord
			ms int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.Emotion, &r.Confidence, &r.Mood, &r.Source, &ms); err != nil {
			return nil, fmt.Errorf("scan emotion record: %w", err)
		}
		r.CreatedAt = fromMillis(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearHistory deletes the user's turns and emotion records.
func (s *Store) ClearHistory(ctx context.Context, userID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM emotion_history WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete emotion history: %w", err)
		}
		return nil
	})
}

// PruneOlderThan deletes turns and emotion records older than age for all
// users and returns the number of rows removed.
func (s *Store) PruneOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := toMillis(s.now().Add(-age))
	var total int64

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"conversations", "emotion_history"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
			if err != nil {
				return fmt.Errorf("prune %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// SetPreference upserts a user preference.
func (s *Store) SetPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("set preference: %w", err)
	}
	return nil
}

// GetPreference returns a preference value or ErrNotFound.
func (s *Store) GetPreference(ctx context.Context, userID, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM user_preferences WHERE user_id = ? AND key = ?`, userID, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get preference: %w", err)
	}
	return v, nil
}

// DeletePreference removes a preference. Missing keys are not an error.
func (s *Store) DeletePreference(ctx context.Context, userID, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_preferences WHERE user_id = ? AND key = ?`, userID, key); err != nil {
		return fmt.Errorf("delete preference: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
