package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mindforge/internal/models"
)

// Service handles user lifecycle and preference-profile persistence.
type Service struct {
	db *sql.DB
}

// NewService builds a new account service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// RegisterUser creates a user with the supplied credentials.
func (s *Service) RegisterUser(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), CreatedAt: now}, nil
}

// Login validates credentials and returns the user record.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username,
	)
	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("invalid credentials")
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errors.New("invalid credentials")
	}
	return &user, nil
}

// DeleteUser removes a user and cascaded data.
func (s *Service) DeleteUser(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid user id")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetProfile returns the user's stored preference profile, or nil when the
// user has not completed onboarding. A missing profile is not an error.
func (s *Service) GetProfile(ctx context.Context, userID int64) (*models.Profile, error) {
	if userID <= 0 {
		return nil, errors.New("invalid user id")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, primary_purpose, knowledge_level, explanation_style, response_length, learning_preference, updated_at
		 FROM profiles WHERE user_id = ?`, userID,
	)
	var p models.Profile
	err := row.Scan(&p.UserID, &p.PrimaryPurpose, &p.KnowledgeLevel, &p.ExplanationStyle,
		&p.ResponseLength, &p.LearningPreference, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}
	return &p, nil
}

// SaveProfile upserts the user's preference profile.
func (s *Service) SaveProfile(ctx context.Context, profile *models.Profile) (*models.Profile, error) {
	if profile == nil || profile.UserID <= 0 {
		return nil, errors.New("user_id is required")
	}
	now := time.Now().UTC()
	// Update-then-insert keeps the statement portable across both drivers.
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET primary_purpose = ?, knowledge_level = ?, explanation_style = ?,
			response_length = ?, learning_preference = ?, updated_at = ?
		 WHERE user_id = ?`,
		profile.PrimaryPurpose, profile.KnowledgeLevel, profile.ExplanationStyle,
		profile.ResponseLength, profile.LearningPreference, now, profile.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("profile rows affected: %w", err)
	}
	if affected == 0 {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO profiles (user_id, primary_purpose, knowledge_level, explanation_style, response_length, learning_preference, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			profile.UserID, profile.PrimaryPurpose, profile.KnowledgeLevel, profile.ExplanationStyle,
			profile.ResponseLength, profile.LearningPreference, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert profile: %w", err)
		}
	}
	saved := *profile
	saved.UpdatedAt = now
	return &saved, nil
}
