package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/nicedonate/nicedonate/internal/models"
)

var (
	ErrInvalidProviderClaims   = errors.New("invalid provider claims")
	ErrProviderEmailUnverified = errors.New("provider email not verified")
)

type ProviderAuthServiceInterface interface {
	SignIn(ctx context.Context, claims IdentityClaims) (*models.User, error)
}

type ProviderAuthService struct {
	db DB
}

func NewProviderAuthService(db DB) *ProviderAuthService {
	return &ProviderAuthService{db: db}
}

// SignIn returns the user linked to the provider identity. An unknown
// identity is linked to the account with the same verified email, or to a
// new password-less account.
func (s *ProviderAuthService) SignIn(ctx context.Context, claims IdentityClaims) (*models.User, error) {
	provider := strings.TrimSpace(string(claims.Provider))
	subject := strings.TrimSpace(claims.Subject)
	if provider == "" || subject == "" {
		return nil, ErrInvalidProviderClaims
	}

	user, err := s.getUserByIdentity(ctx, claims.Provider, subject, s.db)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	email := normalizeEmail(claims.Email)
	if email == "" || !claims.EmailVerified {
		return nil, ErrProviderEmailUnverified
	}

	user, err = s.linkIdentity(ctx, claims.Provider, subject, email, strings.TrimSpace(claims.Name))
	if errors.Is(err, errIdentityRace) {
		// Another request linked the same identity first.
		return s.getUserByIdentity(ctx, claims.Provider, subject, s.db)
	}
	return user, err
}

var errIdentityRace = errors.New("identity linked concurrently")

func (s *ProviderAuthService) linkIdentity(ctx context.Context, provider Provider, subject, email, name string) (*models.User, error) {
	var user *models.User
	err := WithTx(ctx, s.db, func(tx Tx) error {
		var err error
		user, err = scanUser(tx.QueryRow(ctx,
			`SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`,
			email,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			user, err = scanUser(tx.QueryRow(ctx,
				`INSERT INTO users (email, password_hash, display_name)
				 VALUES ($1, NULL, $2)
				 RETURNING `+userColumns,
				email, name,
			))
			if err != nil {
				if isUniqueViolation(err) {
					return ErrEmailAlreadyExists
				}
				return fmt.Errorf("creating user: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("getting user by email: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO user_identities (provider, subject, user_id, email)
			 VALUES ($1, $2, $3, $4)`,
			string(provider), subject, user.ID, email,
		); err != nil {
			if isUniqueViolation(err) {
				return errIdentityRace
			}
			return fmt.Errorf("linking user identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *ProviderAuthService) getUserByIdentity(ctx context.Context, provider Provider, subject string, db DBConn) (*models.User, error) {
	user, err := scanUser(db.QueryRow(ctx,
		`SELECT u.id, u.email, u.password_hash, u.display_name, u.created_at, u.updated_at
		 FROM user_identities ui
		 JOIN users u ON u.id = ui.user_id
		 WHERE ui.provider = $1 AND ui.subject = $2`,
		string(provider), subject,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by provider subject: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
