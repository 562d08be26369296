package middleware

import (
	"encoding/base64"
	"log"
	"strings"

	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"

	"quotagate/internal/config"
)

// AdminAuth guards the admin surface with HTTP Basic credentials from
// config. The configured password is hashed once at startup so the
// per-request comparison runs against the hash.
func AdminAuth(cfg *config.Config) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash admin password: %v", err)
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			user, pass, ok := basicAuth(ctx)
			if !ok || user != cfg.AdminUser || bcrypt.CompareHashAndPassword(hash, []byte(pass)) != nil {
				ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="quotagate admin"`)
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				ctx.SetContentType("application/json")
				ctx.SetBodyString(`{"error": "Unauthorized"}`)
				return
			}
			next(ctx)
		}
	}
}

func basicAuth(ctx *fasthttp.RequestCtx) (user, pass string, ok bool) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}
