package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "quotagate/internal/db"
)

const apiKeyKey = "apiKey"

// SetAPIKey stashes the authenticated key on the request so downstream
// handlers can read it without a second lookup.
func SetAPIKey(ctx *fasthttp.RequestCtx, apiKey *dbpkg.APIKey) {
	ctx.SetUserValue(apiKeyKey, apiKey)
}

func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	v := ctx.UserValue(apiKeyKey)
	if v == nil {
		return nil, false
	}
	ak, ok := v.(*dbpkg.APIKey)
	return ak, ok
}
