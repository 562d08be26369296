package middleware

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "quotagate/internal/db"
	httpctx "quotagate/internal/http/ctx"
	"quotagate/internal/ratelimit"
)

// KeyQuota authenticates the x-api-key header and consumes one attempt
// against the key's global quota pair. It guards the non-proxy protected
// endpoints; the proxy path runs its own per-grant check instead.
func KeyQuota(gdb *gorm.DB, limiter *ratelimit.Limiter) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token := string(ctx.Request.Header.Peek("x-api-key"))
			if token == "" {
				writeQuotaJSON(ctx, fasthttp.StatusUnauthorized, map[string]any{"error": "API key is required"})
				return
			}

			key, err := dbpkg.KeyByToken(gdb, token)
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeQuotaJSON(ctx, fasthttp.StatusUnauthorized, map[string]any{"error": "Invalid API key"})
				return
			}
			if err != nil {
				log.Printf("key lookup failed: %v", err)
				writeQuotaJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": "Internal server error"})
				return
			}

			limits := ratelimit.Limits{PerMinute: key.LimitPerMinute, PerDay: key.LimitPerDay}
			dec, err := limiter.Allow(ctx, ratelimit.GlobalSubject(token), limits, time.Now())
			if err != nil {
				log.Printf("rate limit check failed: %v", err)
				writeQuotaJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{"error": "Internal server error"})
				return
			}

			endpoint := string(ctx.Path())
			if !dec.Allowed {
				recordRequest(gdb, key.ID, endpoint, fasthttp.StatusTooManyRequests)
				writeQuotaJSON(ctx, fasthttp.StatusTooManyRequests, denyBody(dec))
				return
			}

			recordRequest(gdb, key.ID, endpoint, fasthttp.StatusOK)
			httpctx.SetAPIKey(ctx, key)
			next(ctx)
		}
	}
}

func denyBody(dec ratelimit.Decision) map[string]any {
	if dec.Window == ratelimit.WindowDay {
		return map[string]any{
			"error":  "Daily rate limit exceeded",
			"limit":  dec.Limit,
			"window": dec.Window,
		}
	}
	return map[string]any{
		"error":       "Rate limit exceeded",
		"limit":       dec.Limit,
		"window":      dec.Window,
		"retry_after": dec.RetryAfter,
	}
}

// recordRequest appends to the request log off the response path; a failed
// write is an observability event, not a request failure.
func recordRequest(gdb *gorm.DB, keyID uint, endpoint string, status int) {
	go func() {
		rec := dbpkg.RequestLog{APIKeyID: keyID, Endpoint: endpoint, StatusCode: status}
		if err := gdb.Create(&rec).Error; err != nil {
			log.Printf("failed to store request log: %v", err)
		}
	}()
}

func writeQuotaJSON(ctx *fasthttp.RequestCtx, status int, v map[string]any) {
	body, _ := json.Marshal(v)
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
