package handlers

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	httpctx "quotagate/internal/http/ctx"
)

// ProtectedData is a sample endpoint guarded by the key-global quota
// middleware. It exists so a key's global limits can be exercised without
// configuring any upstream.
func ProtectedData() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := httpctx.APIKeyFromCtx(ctx)
		if !ok {
			writeError(ctx, fasthttp.StatusUnauthorized, "API key is required")
			return
		}
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"message":      "Success! This is protected data.",
			"timestamp":    time.Now().UTC().Format(time.RFC3339),
			"api_key_name": key.Name,
		})
	}
}

// ProtectedAction is the POST counterpart of ProtectedData; it echoes the
// received JSON body back.
func ProtectedAction() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := httpctx.APIKeyFromCtx(ctx)
		if !ok {
			writeError(ctx, fasthttp.StatusUnauthorized, "API key is required")
			return
		}

		var received any
		if body := ctx.PostBody(); len(body) > 0 {
			if err := json.Unmarshal(body, &received); err != nil {
				writeError(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
				return
			}
		}

		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"message":       "Action completed successfully",
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"api_key_name":  key.Name,
			"received_data": received,
		})
	}
}
