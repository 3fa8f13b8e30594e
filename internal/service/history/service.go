package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mindforge/internal/models"
)

// Service is the persistence adapter for chat transcripts: load, save, and
// clear messages keyed by user. Failures are always distinguishable from an
// empty transcript (an empty result is a nil error with a nil slice).
type Service struct {
	db *sql.DB
}

// NewService builds a new history service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// LoadHistory returns the user's stored messages in chronological ascending
// order.
func (s *Service) LoadHistory(ctx context.Context, userID int64) ([]*models.Message, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM messages WHERE user_id = ? ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// SaveMessage stores a message for the user and returns its durable id.
func (s *Service) SaveMessage(ctx context.Context, userID int64, role models.Role, content string) (int64, error) {
	if userID <= 0 {
		return 0, errors.New("user_id is required")
	}
	if strings.TrimSpace(content) == "" {
		return 0, errors.New("content cannot be empty")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message id: %w", err)
	}
	return id, nil
}

// ClearHistory deletes every stored message belonging to the user.
func (s *Service) ClearHistory(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errors.New("user_id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
