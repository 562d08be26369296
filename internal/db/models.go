package db

import (
	"time"

	"gorm.io/datatypes"
)

// APIKey is a caller credential. The key value is the opaque token clients
// present in the x-api-key header; the limit pair is the key's global
// default quota, used for endpoints that are not tied to a specific
// protected API.
type APIKey struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Key  string `gorm:"uniqueIndex;size:255;not null" json:"key"`
	Name string `gorm:"size:128;not null" json:"name"`

	LimitPerMinute int `gorm:"not null" json:"limit_per_minute"`
	LimitPerDay    int `gorm:"not null" json:"limit_per_day"`
}

// ProtectedAPI is a third-party upstream registered by an admin and
// reachable through the gateway under its slug. Rows are never physically
// removed: deletion flips Active to false so historical proxy logs keep
// pointing at a real record.
type ProtectedAPI struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Name        string `gorm:"size:128;not null" json:"name"`
	Slug        string `gorm:"uniqueIndex;size:128;not null" json:"slug"`
	TargetURL   string `gorm:"not null" json:"target_url"`
	Description string `json:"description"`

	// HTTPMethods is the advertised method set for this upstream.
	HTTPMethods datatypes.JSONSlice[string] `gorm:"type:json" json:"http_methods"`

	// DefaultHeaders are injected into every forwarded request unless the
	// caller forwarded a header of the same name.
	DefaultHeaders datatypes.JSONMap `gorm:"type:json" json:"default_headers"`

	Active bool `gorm:"default:true" json:"is_active"`
}

// DefaultHTTPMethods is the method set assigned when an admin registers a
// protected API without specifying one.
var DefaultHTTPMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// KeyGrant links an API key to a protected API with quota overrides. The
// (key, api) pair is unique; re-linking replaces the limits in place. A key
// without a grant has no access to the API at all, regardless of its global
// limits.
type KeyGrant struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	APIKeyID       uint `gorm:"column:api_key_id;uniqueIndex:idx_key_grant_pair,priority:1;not null" json:"api_key_id"`
	ProtectedAPIID uint `gorm:"column:protected_api_id;uniqueIndex:idx_key_grant_pair,priority:2;not null" json:"protected_api_id"`

	LimitPerMinute int `gorm:"not null" json:"limit_per_minute"`
	LimitPerDay    int `gorm:"not null" json:"limit_per_day"`
}

// ProxyLog records one proxy attempt, admitted or not. Append-only.
type ProxyLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `gorm:"index" json:"timestamp"`

	// ExpiresAt is when this row becomes eligible for deletion by the
	// retention worker. Nil means keep forever.
	ExpiresAt *time.Time `gorm:"index" json:"-"`

	APIKeyID       uint `gorm:"column:api_key_id;index" json:"api_key_id"`
	ProtectedAPIID uint `gorm:"column:protected_api_id;index" json:"protected_api_id"`

	Method      string `gorm:"size:10" json:"method"`
	Path        string `json:"path"`
	QueryParams string `json:"query_params,omitempty"`

	RequestHeaders datatypes.JSONMap `gorm:"type:json" json:"request_headers,omitempty"`
	RequestBody    string            `json:"request_body,omitempty"`

	ResponseStatus int   `json:"response_status"`
	ResponseTimeMs int64 `json:"response_time_ms"`

	RateLimited bool `gorm:"default:false" json:"rate_limited"`

	// ResponseBody holds at most the first 5000 bytes of the upstream
	// response, for diagnostics.
	ResponseBody string `json:"response_body,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// RequestLog records one attempt against the key-global protected
// endpoints (the non-proxy surface guarded only by a key's own quota).
type RequestLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `gorm:"index" json:"timestamp"`

	APIKeyID   uint   `gorm:"column:api_key_id;index" json:"api_key_id"`
	Endpoint   string `gorm:"size:255" json:"endpoint"`
	StatusCode int    `json:"status_code"`
}

// UsageBucket stores pre-aggregated hourly traffic per (key, protected API)
// for the usage read endpoints. Filled by the aggregation worker.
type UsageBucket struct {
	ID uint `gorm:"primaryKey" json:"id"`

	APIKeyID       uint      `gorm:"column:api_key_id;uniqueIndex:idx_usage_bucket_unique,priority:1;not null" json:"api_key_id"`
	ProtectedAPIID uint      `gorm:"column:protected_api_id;uniqueIndex:idx_usage_bucket_unique,priority:2;not null" json:"protected_api_id"`
	BucketStart    time.Time `gorm:"uniqueIndex:idx_usage_bucket_unique,priority:3;not null" json:"bucket_start"` // start of the hour (UTC)

	TotalCount       int64 `gorm:"not null" json:"total_count"`
	ErrorCount       int64 `gorm:"not null" json:"error_count"`        // responses with status >= 400
	RateLimitedCount int64 `gorm:"not null" json:"rate_limited_count"` // attempts denied by quota

	DurationP50Ms int64 `gorm:"not null" json:"duration_p50_ms"`
	DurationP95Ms int64 `gorm:"not null" json:"duration_p95_ms"`
	DurationP99Ms int64 `gorm:"not null" json:"duration_p99_ms"`
}
