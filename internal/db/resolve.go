package db

import (
	"errors"

	"gorm.io/gorm"
)

// Rejection reasons returned by Resolve. Every (token, slug) pair maps to
// exactly one of these or to a populated Admission.
var (
	// ErrNoKey means no API key was presented at all.
	ErrNoKey = errors.New("api key required")
	// ErrInvalidKey means the presented key matches no stored API key.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrRouteNotFound means no active protected API has the slug.
	ErrRouteNotFound = errors.New("protected api not found")
	// ErrNoGrant means the key exists but has no grant for the API.
	ErrNoGrant = errors.New("api key has no access to this endpoint")
)

// Admission is the fully resolved context for one proxy attempt: the
// authenticated key, the target API and the grant linking them. It is
// built per request and never persisted.
type Admission struct {
	Key   APIKey
	Route ProtectedAPI
	Grant KeyGrant
}

// Resolve authenticates the presented token and resolves the target slug
// and grant. The key is authenticated before the route is looked up, so an
// unauthenticated caller learns nothing about which slugs exist.
func Resolve(db *gorm.DB, token, slug string) (*Admission, error) {
	if token == "" {
		return nil, ErrNoKey
	}

	key, err := KeyByToken(db, token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, err
	}

	route, err := RouteBySlug(db, slug)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRouteNotFound
	}
	if err != nil {
		return nil, err
	}

	grant, err := GrantFor(db, key.ID, route.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoGrant
	}
	if err != nil {
		return nil, err
	}

	return &Admission{Key: *key, Route: *route, Grant: *grant}, nil
}
