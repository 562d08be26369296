package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	dbpkg "quotagate/internal/db"
	"quotagate/internal/ratelimit"
)

type createRouteRequest struct {
	Name           string         `json:"name"`
	Slug           string         `json:"slug"`
	TargetURL      string         `json:"target_url"`
	Description    string         `json:"description"`
	HTTPMethods    []string       `json:"http_methods"`
	DefaultHeaders map[string]any `json:"default_headers"`
}

// CreateProtectedAPI registers a new upstream under its slug.
func CreateProtectedAPI(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createRouteRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" || req.Slug == "" || req.TargetURL == "" {
			writeError(ctx, fasthttp.StatusBadRequest, "name, slug, and target_url are required")
			return
		}

		methods := req.HTTPMethods
		if len(methods) == 0 {
			methods = dbpkg.DefaultHTTPMethods
		}
		headers := datatypes.JSONMap{}
		for k, v := range req.DefaultHeaders {
			headers[k] = v
		}

		api := dbpkg.ProtectedAPI{
			Name:           req.Name,
			Slug:           req.Slug,
			TargetURL:      req.TargetURL,
			Description:    req.Description,
			HTTPMethods:    datatypes.NewJSONSlice(methods),
			DefaultHeaders: headers,
			Active:         true,
		}
		if err := gdb.Create(&api).Error; err != nil {
			if dbpkg.IsDuplicate(err) {
				writeError(ctx, fasthttp.StatusConflict, "API with this slug already exists")
				return
			}
			log.Printf("failed to create protected API: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusCreated, api)
	}
}

// ListProtectedAPIs returns all active upstreams, newest first.
func ListProtectedAPIs(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		apis, err := dbpkg.ListRoutes(gdb)
		if err != nil {
			log.Printf("failed to list protected APIs: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, apis)
	}
}

// GetProtectedAPI returns one upstream by id, active or not.
func GetProtectedAPI(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		api, err := dbpkg.RouteByID(gdb, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, "Protected API not found")
			return
		}
		if err != nil {
			log.Printf("failed to fetch protected API %d: %v", id, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, api)
	}
}

type updateRouteRequest struct {
	Name           *string        `json:"name"`
	Slug           *string        `json:"slug"`
	TargetURL      *string        `json:"target_url"`
	Description    *string        `json:"description"`
	HTTPMethods    []string       `json:"http_methods"`
	DefaultHeaders map[string]any `json:"default_headers"`
}

// UpdateProtectedAPI applies a partial update; absent fields keep their
// current values.
func UpdateProtectedAPI(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		var req updateRouteRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		api, err := dbpkg.RouteByID(gdb, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(ctx, fasthttp.StatusNotFound, "Protected API not found")
			return
		}
		if err != nil {
			log.Printf("failed to fetch protected API %d: %v", id, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}

		if req.Name != nil {
			api.Name = *req.Name
		}
		if req.Slug != nil {
			api.Slug = *req.Slug
		}
		if req.TargetURL != nil {
			api.TargetURL = *req.TargetURL
		}
		if req.Description != nil {
			api.Description = *req.Description
		}
		if req.HTTPMethods != nil {
			api.HTTPMethods = datatypes.NewJSONSlice(req.HTTPMethods)
		}
		if req.DefaultHeaders != nil {
			headers := datatypes.JSONMap{}
			for k, v := range req.DefaultHeaders {
				headers[k] = v
			}
			api.DefaultHeaders = headers
		}

		if err := gdb.Save(api).Error; err != nil {
			if dbpkg.IsDuplicate(err) {
				writeError(ctx, fasthttp.StatusConflict, "API with this slug already exists")
				return
			}
			log.Printf("failed to update protected API %d: %v", id, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, api)
	}
}

// DeleteProtectedAPI soft-deletes an upstream: the slug stops resolving
// immediately but the row survives for historical logs.
func DeleteProtectedAPI(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		if err := dbpkg.SoftDeleteRoute(gdb, id); err != nil {
			log.Printf("failed to delete protected API %d: %v", id, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

type linkRequest struct {
	APIKeyID       uint `json:"api_key_id"`
	ProtectedAPIID uint `json:"protected_api_id"`
	LimitPerMinute int  `json:"limit_per_minute"`
	LimitPerDay    int  `json:"limit_per_day"`
}

// LinkKey grants a key access to an upstream with its own limit pair.
// Linking an already-linked pair replaces the limits.
func LinkKey(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req linkRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.APIKeyID == 0 || req.ProtectedAPIID == 0 || req.LimitPerMinute <= 0 || req.LimitPerDay <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "api_key_id, protected_api_id, limit_per_minute, and limit_per_day are required")
			return
		}

		grant := dbpkg.KeyGrant{
			APIKeyID:       req.APIKeyID,
			ProtectedAPIID: req.ProtectedAPIID,
			LimitPerMinute: req.LimitPerMinute,
			LimitPerDay:    req.LimitPerDay,
		}
		if err := dbpkg.UpsertGrant(gdb, &grant); err != nil {
			log.Printf("failed to link key %d to API %d: %v", req.APIKeyID, req.ProtectedAPIID, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusCreated, grant)
	}
}

// UnlinkKey revokes a key's access to an upstream.
func UnlinkKey(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		keyID, ok := pathID(ctx, "keyId")
		if !ok {
			return
		}
		apiID, ok := pathID(ctx, "apiId")
		if !ok {
			return
		}
		if err := dbpkg.DeleteGrant(gdb, keyID, apiID); err != nil {
			log.Printf("failed to unlink key %d from API %d: %v", keyID, apiID, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

// KeyEndpoints lists the active upstreams a key has been granted.
func KeyEndpoints(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		keyID, ok := pathID(ctx, "keyId")
		if !ok {
			return
		}
		rows, err := dbpkg.GrantsForKey(gdb, keyID)
		if err != nil {
			log.Printf("failed to list endpoints for key %d: %v", keyID, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, rows)
	}
}

type grantUsage struct {
	dbpkg.GrantSubject
	RequestsThisMinute int64 `json:"requests_this_minute"`
	RequestsToday      int64 `json:"requests_today"`
}

// EndpointUsageStats reports the current per-grant counter values against
// each grant's limits.
func EndpointUsageStats(gdb *gorm.DB, limiter *ratelimit.Limiter) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		subjects, err := dbpkg.ListGrantSubjects(gdb)
		if err != nil {
			log.Printf("failed to list grant subjects: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}

		now := time.Now()
		stats := make([]grantUsage, 0, len(subjects))
		for _, s := range subjects {
			minute, day, err := limiter.Usage(ctx, ratelimit.GrantSubject(s.APIKey, s.ProtectedID), now)
			if err != nil {
				log.Printf("failed to read usage for key %d api %d: %v", s.APIKeyID, s.ProtectedID, err)
				writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
				return
			}
			stats = append(stats, grantUsage{GrantSubject: s, RequestsThisMinute: minute, RequestsToday: day})
		}
		writeJSON(ctx, fasthttp.StatusOK, stats)
	}
}

// UsageHistory returns the pre-aggregated hourly buckets for the last n
// hours (default 24), newest first.
func UsageHistory(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		hours := ctx.QueryArgs().GetUintOrZero("hours")
		if hours <= 0 || hours > 24*30 {
			hours = 24
		}
		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)

		var rows []dbpkg.UsageBucket
		if err := gdb.Where("bucket_start >= ?", since).Order("bucket_start DESC").Find(&rows).Error; err != nil {
			log.Printf("failed to query usage buckets: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, rows)
	}
}
