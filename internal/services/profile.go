package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nicedonate/nicedonate/internal/models"
)

var ErrInvalidIconIndex = errors.New("invalid icon index")

type ProfileServiceInterface interface {
	Get(ctx context.Context, user *models.User) (*models.Profile, error)
	UpdateIcon(ctx context.Context, userID uuid.UUID, index int) error
}

type ProfileService struct {
	db DBConn
}

func NewProfileService(db DBConn) *ProfileService {
	return &ProfileService{db: db}
}

// Get returns the profile of user, creating it with the first icon when the
// user has none yet.
func (s *ProfileService) Get(ctx context.Context, user *models.User) (*models.Profile, error) {
	profile := &models.Profile{
		UserID:    user.ID,
		Email:     user.Email,
		FirstName: models.FirstNameFromEmail(user.Email),
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO profiles (user_id, icon_index)
		 VALUES ($1, 0)
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING icon_index`,
		user.ID,
	).Scan(&profile.IconIndex)
	if err != nil {
		return nil, fmt.Errorf("getting profile: %w", err)
	}
	if !models.IsValidIconIndex(profile.IconIndex) {
		profile.IconIndex = 0
	}
	return profile, nil
}

func (s *ProfileService) UpdateIcon(ctx context.Context, userID uuid.UUID, index int) error {
	if !models.IsValidIconIndex(index) {
		return ErrInvalidIconIndex
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO profiles (user_id, icon_index)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET icon_index = EXCLUDED.icon_index, updated_at = NOW()`,
		userID, index,
	)
	if err != nil {
		return fmt.Errorf("updating profile icon: %w", err)
	}
	return nil
}
