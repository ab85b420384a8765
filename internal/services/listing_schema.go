package services

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nicedonate/nicedonate/internal/models"
)

//go:embed schemas/listing.json
var listingSchemaJSON []byte

var compileListingSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("listing.json", bytes.NewReader(listingSchemaJSON)); err != nil {
		return nil, fmt.Errorf("adding listing schema: %w", err)
	}
	schema, err := compiler.Compile("listing.json")
	if err != nil {
		return nil, fmt.Errorf("compiling listing schema: %w", err)
	}
	return schema, nil
})

// ValidationError is a client mistake in a request payload.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

type createListingPayload struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Categories  map[string]bool `json:"categories"`
}

// ParseCreateListing validates a raw create-listing body and returns the
// trimmed parameters.
func ParseCreateListing(body []byte) (models.CreateListingParams, error) {
	schema, err := compileListingSchema()
	if err != nil {
		return models.CreateListingParams{}, err
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return models.CreateListingParams{}, newValidationError("Invalid request body")
	}
	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return models.CreateListingParams{}, newValidationError("Invalid listing: %s", describeSchemaError(ve))
		}
		return models.CreateListingParams{}, fmt.Errorf("validating listing: %w", err)
	}

	var payload createListingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.CreateListingParams{}, newValidationError("Invalid request body")
	}

	params := models.CreateListingParams{
		Title:       strings.TrimSpace(payload.Title),
		Description: strings.TrimSpace(payload.Description),
		Location:    strings.TrimSpace(payload.Location),
	}
	if params.Title == "" {
		return models.CreateListingParams{}, newValidationError("Title is required")
	}
	if params.Location == "" {
		return models.CreateListingParams{}, newValidationError("Location is required")
	}

	sel, err := models.ParseCategorySelection(payload.Categories)
	if err != nil {
		return models.CreateListingParams{}, newValidationError("Invalid categories")
	}
	if !sel.Any() {
		return models.CreateListingParams{}, newValidationError("Select at least one category")
	}
	params.Categories = sel

	return params, nil
}

// describeSchemaError returns the most specific message of a schema failure.
func describeSchemaError(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	location := ve.InstanceLocation
	if location == "" {
		location = "/"
	}
	return fmt.Sprintf("%s: %s", location, ve.Message)
}
