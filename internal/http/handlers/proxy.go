package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "quotagate/internal/db"
	"quotagate/internal/proxy"
	"quotagate/internal/ratelimit"
)

// Proxy is the gateway's request entry point: it authenticates the key,
// resolves the target protected API and grant, consumes one attempt
// against the grant's quota, forwards on admit, and relays the upstream
// response. Every terminal outcome, successful or not, is audited
// exactly once.
func Proxy(gdb *gorm.DB, limiter *ratelimit.Limiter, fwd *proxy.Forwarder, audit *proxy.AuditLogger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		slug, _ := ctx.UserValue("slug").(string)
		remainder, _ := ctx.UserValue("path").(string)
		remainder = strings.TrimPrefix(remainder, "/")

		method := string(ctx.Method())
		query := string(ctx.URI().QueryString())
		token := string(ctx.Request.Header.Peek("x-api-key"))

		attempt := proxy.Attempt{
			Method:      method,
			Path:        remainder,
			QueryParams: query,
		}

		adm, err := dbpkg.Resolve(gdb, token, slug)
		if err != nil {
			status, msg := resolveStatus(err)
			attempt.Status = status
			attempt.Duration = time.Since(start)
			attempt.ErrorMessage = msg
			audit.Record(attempt)
			observeOutcome(slug, method, status, attempt.Duration)
			writeError(ctx, status, msg)
			return
		}
		attempt.APIKeyID = adm.Key.ID
		attempt.ProtectedAPIID = adm.Route.ID

		limits := ratelimit.Limits{PerMinute: adm.Grant.LimitPerMinute, PerDay: adm.Grant.LimitPerDay}
		dec, err := limiter.Allow(ctx, ratelimit.GrantSubject(adm.Key.Key, adm.Route.ID), limits, time.Now())
		if err != nil {
			log.Printf("rate limit check failed for %s: %v", slug, err)
			attempt.Status = fasthttp.StatusInternalServerError
			attempt.Duration = time.Since(start)
			attempt.ErrorMessage = err.Error()
			audit.Record(attempt)
			observeOutcome(slug, method, attempt.Status, attempt.Duration)
			writeJSON(ctx, fasthttp.StatusInternalServerError, map[string]any{
				"error":   "Proxy error occurred",
				"message": err.Error(),
			})
			return
		}
		if !dec.Allowed {
			attempt.Status = fasthttp.StatusTooManyRequests
			attempt.Duration = time.Since(start)
			attempt.RateLimited = true
			audit.Record(attempt)
			observeDenial(slug, dec.Window)
			observeOutcome(slug, method, attempt.Status, attempt.Duration)
			writeJSON(ctx, fasthttp.StatusTooManyRequests, denyPayload(dec))
			return
		}

		inbound := http.Header{}
		requestHeaders := map[string]any{}
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			inbound.Add(string(k), string(v))
			requestHeaders[string(k)] = string(v)
		})
		attempt.RequestHeaders = requestHeaders
		attempt.RequestBody = ctx.PostBody()

		res, err := fwd.Forward(ctx, &adm.Route, &proxy.Request{
			Method: method,
			Path:   remainder,
			Query:  query,
			Header: inbound,
			Body:   ctx.PostBody(),
		})
		if err != nil {
			status := fasthttp.StatusInternalServerError
			if errors.Is(err, proxy.ErrUpstreamTimeout) || errors.Is(err, proxy.ErrUpstreamUnreachable) {
				status = fasthttp.StatusBadGateway
			}
			log.Printf("forwarding to %s failed: %v", slug, err)
			attempt.Status = status
			attempt.Duration = time.Since(start)
			attempt.ErrorMessage = err.Error()
			audit.Record(attempt)
			observeOutcome(slug, method, status, attempt.Duration)
			writeJSON(ctx, status, map[string]any{
				"error":   "Proxy error occurred",
				"message": err.Error(),
			})
			return
		}

		attempt.Status = res.StatusCode
		attempt.Duration = time.Since(start)
		attempt.ResponseBody = res.Body
		audit.Record(attempt)
		observeOutcome(slug, method, res.StatusCode, attempt.Duration)

		ctx.SetStatusCode(res.StatusCode)
		for name, values := range res.Header {
			for _, v := range values {
				ctx.Response.Header.Add(name, v)
			}
		}
		// Best-effort content-type convenience: bodies that parse as JSON
		// are served as JSON regardless of what the upstream declared.
		if json.Valid(res.Body) {
			ctx.SetContentType("application/json")
		}
		ctx.SetBody(res.Body)
	}
}

func resolveStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dbpkg.ErrNoKey):
		return fasthttp.StatusUnauthorized, "API key is required"
	case errors.Is(err, dbpkg.ErrInvalidKey):
		return fasthttp.StatusUnauthorized, "Invalid API key"
	case errors.Is(err, dbpkg.ErrRouteNotFound):
		return fasthttp.StatusNotFound, "Protected API not found"
	case errors.Is(err, dbpkg.ErrNoGrant):
		return fasthttp.StatusForbidden, "API key does not have access to this endpoint"
	default:
		log.Printf("admission resolution failed: %v", err)
		return fasthttp.StatusInternalServerError, "Internal server error"
	}
}

func denyPayload(dec ratelimit.Decision) map[string]any {
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

func observeOutcome(slug, method string, status int, dur time.Duration) {
	if proxyRequestsTotal == nil {
		return
	}
	proxyRequestsTotal.WithLabelValues(slug, method, strconv.Itoa(status)).Inc()
	proxyDuration.WithLabelValues(slug, method).Observe(dur.Seconds())
}

func observeDenial(slug, window string) {
	if rateLimitedTotal == nil {
		return
	}
	rateLimitedTotal.WithLabelValues(slug, window).Inc()
}
