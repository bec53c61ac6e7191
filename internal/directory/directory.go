package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// StatusActive is the status assigned to users created through an identity-provider login.
const StatusActive = "active"

// Field names shared by filters, patches, and the persistent schemas.
const (
	FieldID                 = "id"
	FieldEmail              = "email"
	FieldFirstName          = "first_name"
	FieldLastName           = "last_name"
	FieldAvatar             = "avatar"
	FieldProvider           = "provider"
	FieldExternalIdentifier = "external_identifier"
	FieldRole               = "role"
	FieldStatus             = "status"
)

var (
	// ErrNotFound indicates no user matched the requested identifier.
	ErrNotFound = errors.New("directory.not_found")
	// ErrDuplicateIdentity indicates another user already holds the (provider, external_identifier) pair.
	ErrDuplicateIdentity = errors.New("directory.duplicate_identity")
	// ErrUnsupportedField indicates a filter or patch referenced an unknown field.
	ErrUnsupportedField = errors.New("directory.unsupported_field")
	// ErrEmptyFilter indicates a query without any criteria.
	ErrEmptyFilter = errors.New("directory.empty_filter")
	// ErrEmptyPatch indicates an update without any fields.
	ErrEmptyPatch = errors.New("directory.empty_patch")
)

var queryableFields = map[string]struct{}{
	FieldID:                 {},
	FieldEmail:              {},
	FieldProvider:           {},
	FieldExternalIdentifier: {},
	FieldRole:               {},
	FieldStatus:             {},
}

var patchableFields = map[string]struct{}{
	FieldEmail:              {},
	FieldFirstName:          {},
	FieldLastName:           {},
	FieldAvatar:             {},
	FieldProvider:           {},
	FieldExternalIdentifier: {},
	FieldRole:               {},
	FieldStatus:             {},
}

// User is an application user record. Empty strings stand for unset nullable columns.
type User struct {
	ID                 string
	Email              string
	FirstName          string
	LastName           string
	Avatar             string
	Provider           string
	ExternalIdentifier string
	Role               string
	Status             string
}

// Filter selects users whose fields equal every given value.
type Filter map[string]string

// Patch is a partial field set applied by Update.
type Patch map[string]string

// Directory is the user store consulted and written by the reconciler.
type Directory interface {
	// Query returns up to limit users matching the filter; limit <= 0 means no limit.
	Query(ctx context.Context, filter Filter, limit int) ([]User, error)
	// Create inserts a user and returns its identifier.
	Create(ctx context.Context, user User) (string, error)
	// Update applies a partial field set to the user with the given identifier.
	Update(ctx context.Context, userID string, patch Patch) error
	// Read returns the user with the given identifier.
	Read(ctx context.Context, userID string) (User, error)
}

// ValidateFilter rejects empty filters and unknown fields.
func ValidateFilter(filter Filter) error {
	if len(filter) == 0 {
		return ErrEmptyFilter
	}
	for field := range filter {
		if _, ok := queryableFields[field]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedField, field)
		}
	}
	return nil
}

// ValidatePatch rejects empty patches and fields that cannot be written.
func ValidatePatch(patch Patch) error {
	if len(patch) == 0 {
		return ErrEmptyPatch
	}
	for field := range patch {
		if _, ok := patchableFields[field]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedField, field)
		}
	}
	return nil
}

// SortedFields returns the keys of a filter or patch in a stable order for SQL generation.
func SortedFields[M ~map[string]string](fields M) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FieldValue reads a field from a user by name.
func (user User) FieldValue(field string) string {
	switch field {
	case FieldID:
		return user.ID
	case FieldEmail:
		return user.Email
	case FieldFirstName:
		return user.FirstName
	case FieldLastName:
		return user.LastName
	case FieldAvatar:
		return user.Avatar
	case FieldProvider:
		return user.Provider
	case FieldExternalIdentifier:
		return user.ExternalIdentifier
	case FieldRole:
		return user.Role
	case FieldStatus:
		return user.Status
	default:
		return ""
	}
}

// WithPatch returns a copy of the user with the patch applied.
func (user User) WithPatch(patch Patch) User {
	for field, value := range patch {
		switch field {
		case FieldEmail:
			user.Email = value
		case FieldFirstName:
			user.FirstName = value
		case FieldLastName:
			user.LastName = value
		case FieldAvatar:
			user.Avatar = value
		case FieldProvider:
			user.Provider = value
		case FieldExternalIdentifier:
			user.ExternalIdentifier = value
		case FieldRole:
			user.Role = value
		case FieldStatus:
			user.Status = value
		}
	}
	return user
}

// Matches reports whether every filter field equals the user's value.
func (user User) Matches(filter Filter) bool {
	for field, value := range filter {
		if user.FieldValue(field) != value {
			return false
		}
	}
	return true
}
