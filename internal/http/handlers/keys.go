package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "quotagate/internal/db"
	"quotagate/internal/ratelimit"
)

func generateKeyToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "key_" + hex.EncodeToString(b), nil
}

type createKeyRequest struct {
	Name           string `json:"name"`
	LimitPerMinute int    `json:"limit_per_minute"`
	LimitPerDay    int    `json:"limit_per_day"`
}

// CreateAPIKey registers a new key with its global quota pair. The token
// value is generated server-side and returned once in the response.
func CreateAPIKey(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req createKeyRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" || req.LimitPerMinute <= 0 || req.LimitPerDay <= 0 {
			writeError(ctx, fasthttp.StatusBadRequest, "name, limit_per_minute, and limit_per_day are required")
			return
		}

		token, err := generateKeyToken()
		if err != nil {
			log.Printf("failed to generate API key: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}

		key := dbpkg.APIKey{
			Key:            token,
			Name:           req.Name,
			LimitPerMinute: req.LimitPerMinute,
			LimitPerDay:    req.LimitPerDay,
		}
		if err := gdb.Create(&key).Error; err != nil {
			log.Printf("failed to create API key: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}

		writeJSON(ctx, fasthttp.StatusCreated, key)
	}
}

// ListAPIKeys returns all keys, newest first.
func ListAPIKeys(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		keys, err := dbpkg.ListKeys(gdb)
		if err != nil {
			log.Printf("failed to list API keys: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, keys)
	}
}

// DeleteAPIKey removes a key and its grants.
func DeleteAPIKey(gdb *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := pathID(ctx, "id")
		if !ok {
			return
		}
		if err := dbpkg.DeleteKey(gdb, id); err != nil {
			log.Printf("failed to delete API key %d: %v", id, err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

type keyUsage struct {
	APIKey             string `json:"api_key"`
	Name               string `json:"name"`
	RequestsThisMinute int64  `json:"requests_this_minute"`
	RequestsToday      int64  `json:"requests_today"`
	LimitPerMinute     int    `json:"limit_per_minute"`
	LimitPerDay        int    `json:"limit_per_day"`
}

// KeyUsageStats reports each key's current global counter values against
// its limits. Counters are read without being consumed.
func KeyUsageStats(gdb *gorm.DB, limiter *ratelimit.Limiter) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		keys, err := dbpkg.ListKeys(gdb)
		if err != nil {
			log.Printf("failed to list API keys: %v", err)
			writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
			return
		}

		now := time.Now()
		stats := make([]keyUsage, 0, len(keys))
		for _, key := range keys {
			minute, day, err := limiter.Usage(ctx, ratelimit.GlobalSubject(key.Key), now)
			if err != nil {
				log.Printf("failed to read usage for key %d: %v", key.ID, err)
				writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
				return
			}
			stats = append(stats, keyUsage{
				APIKey:             key.Key,
				Name:               key.Name,
				RequestsThisMinute: minute,
				RequestsToday:      day,
				LimitPerMinute:     key.LimitPerMinute,
				LimitPerDay:        key.LimitPerDay,
			})
		}
		writeJSON(ctx, fasthttp.StatusOK, stats)
	}
}
