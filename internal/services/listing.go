package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nicedonate/nicedonate/internal/logging"
	"github.com/nicedonate/nicedonate/internal/models"
)

// ListingChangesChannel is notified after every insert or delete on
// social_actions.
const ListingChangesChannel = "social_actions:changed"

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrNotListingOwner = errors.New("listing is not owned by user")
)

const listingColumns = `id::text, title, description, location, owner_id::text, categories, icon_index, created_at`

type ListingServiceInterface interface {
	Create(ctx context.Context, ownerID uuid.UUID, params models.CreateListingParams) (*models.ListingDocument, error)
	Snapshot(ctx context.Context) ([]models.ListingDocument, error)
	GetByID(ctx context.Context, id string) (*models.ListingDocument, error)
	Delete(ctx context.Context, id string, callerID uuid.UUID) error
}

type ListingService struct {
	db    DBConn
	redis RedisClient
}

func NewListingService(db DBConn, redis RedisClient) *ListingService {
	return &ListingService{db: db, redis: redis}
}

type listingChange struct {
	Op string `json:"op"`
	ID string `json:"id"`
}

// Create stores a listing owned by ownerID. The icon comes from the owner's
// profile and created_at from the database clock.
func (s *ListingService) Create(ctx context.Context, ownerID uuid.UUID, params models.CreateListingParams) (*models.ListingDocument, error) {
	categories, err := json.Marshal(params.Categories)
	if err != nil {
		return nil, fmt.Errorf("encoding categories: %w", err)
	}

	doc := &models.ListingDocument{
		Title:       &params.Title,
		Description: &params.Description,
		Location:    &params.Location,
		Categories:  categoryDocument(params.Categories),
	}
	owner := ownerID.String()
	doc.OwnerID = &owner

	var icon int
	err = s.db.QueryRow(ctx,
		`INSERT INTO social_actions (title, description, location, owner_id, categories, icon_index)
		 VALUES ($1, $2, $3, $4, $5, COALESCE((SELECT icon_index FROM profiles WHERE user_id = $4), 0))
		 RETURNING id::text, icon_index, created_at`,
		params.Title, params.Description, params.Location, ownerID, categories,
	).Scan(&doc.ID, &icon, &doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating listing: %w", err)
	}
	doc.IconIndex = &icon

	s.notify(ctx, listingChange{Op: "insert", ID: doc.ID})
	return doc, nil
}

// Snapshot returns every stored listing, newest first.
func (s *ListingService) Snapshot(ctx context.Context) ([]models.ListingDocument, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+listingColumns+` FROM social_actions ORDER BY created_at DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing social actions: %w", err)
	}
	defer rows.Close()

	docs := []models.ListingDocument{}
	for rows.Next() {
		doc, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning social action: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating social actions: %w", err)
	}
	return docs, nil
}

func (s *ListingService) GetByID(ctx context.Context, id string) (*models.ListingDocument, error) {
	listingID, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrListingNotFound
	}

	doc, err := scanListing(s.db.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM social_actions WHERE id = $1`,
		listingID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting listing: %w", err)
	}
	return doc, nil
}

// Delete removes a listing only when callerID owns it. Listings without an
// owner cannot be deleted.
func (s *ListingService) Delete(ctx context.Context, id string, callerID uuid.UUID) error {
	listingID, err := uuid.Parse(id)
	if err != nil {
		return ErrListingNotFound
	}

	result, err := s.db.Exec(ctx,
		`DELETE FROM social_actions WHERE id = $1 AND owner_id = $2`,
		listingID, callerID,
	)
	if err != nil {
		return fmt.Errorf("deleting listing: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM social_actions WHERE id = $1)",
			listingID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking listing existence: %w", err)
		}
		if !exists {
			return ErrListingNotFound
		}
		return ErrNotListingOwner
	}

	s.notify(ctx, listingChange{Op: "delete", ID: listingID.String()})
	return nil
}

func (s *ListingService) notify(ctx context.Context, change listingChange) {
	if s.redis == nil {
		return
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	// Subscribers reload on their own; a lost notification only delays them.
	if err := s.redis.Publish(ctx, ListingChangesChannel, payload); err != nil {
		logging.Warn("Failed to publish listing change", map[string]interface{}{
			"op":    change.Op,
			"id":    change.ID,
			"error": err.Error(),
		})
	}
}

func scanListing(row Row) (*models.ListingDocument, error) {
	var (
		doc        models.ListingDocument
		categories []byte
		createdAt  time.Time
	)
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Description, &doc.Location,
		&doc.OwnerID, &categories, &doc.IconIndex, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	doc.CreatedAt = createdAt
	doc.Categories = decodeCategories(doc.ID, categories)
	return &doc, nil
}

// decodeCategories tolerates legacy rows: anything that is not a JSON object
// yields no categories.
func decodeCategories(id string, raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		logging.Debug("Ignoring malformed listing categories", map[string]interface{}{
			"id":    id,
			"error": err.Error(),
		})
		return map[string]any{}
	}
	if out == nil {
		return map[string]any{}
	}
	return out
}

func categoryDocument(sel models.CategorySelection) map[string]any {
	out := make(map[string]any, len(models.Categories))
	for name, selected := range sel.Map() {
		out[name] = selected
	}
	return out
}
