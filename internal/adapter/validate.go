package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

const MaxIdentifierLength = 255

var ErrInvalidIdentifier = errors.New("invalid identifier")

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9._~:@-]+$`)

// ValidateIdentifier checks a document id, document type or attachment name.
func ValidateIdentifier(kind, value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%w: %s longer than %d characters", ErrInvalidIdentifier, kind, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, value)
	}
	return nil
}

// ValidateReference checks the id and type of ref. The leading underscore of
// ClientSessionDocType is allowed.
func ValidateReference(ref DocumentReference) error {
	if err := ValidateIdentifier("document id", ref.ID); err != nil {
		return err
	}
	return ValidateIdentifier("document type", ref.Type)
}

const locationContextKey = "com.appearnetworks.aiq.location"

// Location is the device position reported in a client context.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationFromContext extracts the device location from a client context.
// It reports false when the context is empty, has no location entry, or the
// entry lacks coordinates.
func LocationFromContext(clientContext json.RawMessage) (Location, bool) {
	if len(clientContext) == 0 {
		return Location{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(clientContext, &fields); err != nil {
		return Location{}, false
	}
	raw, ok := fields[locationContextKey]
	if !ok {
		return Location{}, false
	}
	var loc struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(raw, &loc); err != nil || loc.Latitude == nil || loc.Longitude == nil {
		return Location{}, false
	}
	return Location{Latitude: *loc.Latitude, Longitude: *loc.Longitude}, true
}
