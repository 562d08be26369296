package db

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RouteBySlug returns the active protected API registered under slug.
// Soft-deleted routes are invisible here.
func RouteBySlug(db *gorm.DB, slug string) (*ProtectedAPI, error) {
	var api ProtectedAPI
	if err := db.Where("slug = ? AND active = ?", slug, true).First(&api).Error; err != nil {
		return nil, err
	}
	return &api, nil
}

// RouteByID returns a protected API by primary key, active or not.
func RouteByID(db *gorm.DB, id uint) (*ProtectedAPI, error) {
	var api ProtectedAPI
	if err := db.First(&api, id).Error; err != nil {
		return nil, err
	}
	return &api, nil
}

// ListRoutes returns all active protected APIs, newest first.
func ListRoutes(db *gorm.DB) ([]ProtectedAPI, error) {
	var apis []ProtectedAPI
	if err := db.Where("active = ?", true).Order("created_at DESC").Find(&apis).Error; err != nil {
		return nil, err
	}
	return apis, nil
}

// SoftDeleteRoute marks a protected API inactive. The row stays so existing
// proxy logs keep a valid reference.
func SoftDeleteRoute(db *gorm.DB, id uint) error {
	return db.Model(&ProtectedAPI{}).Where("id = ?", id).Update("active", false).Error
}

// UpsertGrant links a key to a protected API with its own limits. Linking
// an already-linked pair replaces the limits rather than erroring.
func UpsertGrant(db *gorm.DB, grant *KeyGrant) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "api_key_id"}, {Name: "protected_api_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"limit_per_minute", "limit_per_day"}),
	}).Create(grant).Error
}

// GrantFor returns the grant linking a key to a protected API, or
// gorm.ErrRecordNotFound when the key has no access.
func GrantFor(db *gorm.DB, keyID, apiID uint) (*KeyGrant, error) {
	var grant KeyGrant
	if err := db.Where("api_key_id = ? AND protected_api_id = ?", keyID, apiID).First(&grant).Error; err != nil {
		return nil, err
	}
	return &grant, nil
}

// DeleteGrant revokes a key's access to a protected API.
func DeleteGrant(db *gorm.DB, keyID, apiID uint) error {
	return db.Where("api_key_id = ? AND protected_api_id = ?", keyID, apiID).Delete(&KeyGrant{}).Error
}

// GrantWithAPI is a grant joined with the protected API it points at, for
// the "which APIs can this key reach" listing.
type GrantWithAPI struct {
	KeyGrant
	APIName     string `json:"api_name"`
	APISlug     string `json:"api_slug"`
	TargetURL   string `json:"target_url"`
	Description string `json:"description"`
}

// GrantsForKey lists the active protected APIs a key has been granted,
// newest grant first.
func GrantsForKey(db *gorm.DB, keyID uint) ([]GrantWithAPI, error) {
	var rows []GrantWithAPI
	err := db.Model(&KeyGrant{}).
		Select("key_grants.*, protected_apis.name AS api_name, protected_apis.slug AS api_slug, protected_apis.target_url, protected_apis.description").
		Joins("JOIN protected_apis ON protected_apis.id = key_grants.protected_api_id").
		Where("key_grants.api_key_id = ? AND protected_apis.active = ?", keyID, true).
		Order("key_grants.created_at DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// GrantSubject is one row of the per-grant usage listing: the grant plus
// the identities on both ends.
type GrantSubject struct {
	APIKey       string `json:"api_key"`
	APIKeyID     uint   `json:"api_key_id"`
	APIKeyName   string `json:"api_key_name"`
	ProtectedID  uint   `json:"protected_api_id"`
	ProtectedAPI string `json:"protected_api_name"`
	Slug         string `json:"protected_api_slug"`

	LimitPerMinute int `json:"limit_per_minute"`
	LimitPerDay    int `json:"limit_per_day"`
}

// ListGrantSubjects returns every (key, active API) grant pair, ordered by
// key name then API name. Used by the usage stats endpoint.
func ListGrantSubjects(db *gorm.DB) ([]GrantSubject, error) {
	var rows []GrantSubject
	err := db.Model(&KeyGrant{}).
		Select("api_keys.key AS api_key, api_keys.id AS api_key_id, api_keys.name AS api_key_name, " +
			"protected_apis.id AS protected_id, protected_apis.name AS protected_api, protected_apis.slug, " +
			"key_grants.limit_per_minute, key_grants.limit_per_day").
		Joins("JOIN api_keys ON api_keys.id = key_grants.api_key_id").
		Joins("JOIN protected_apis ON protected_apis.id = key_grants.protected_api_id").
		Where("protected_apis.active = ?", true).
		Order("api_keys.name, protected_apis.name").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// IsDuplicate reports whether err is a unique-constraint violation
// (translated by the driver).
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
