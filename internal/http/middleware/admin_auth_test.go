package middleware

import (
	"encoding/base64"
	"testing"

	"github.com/valyala/fasthttp"

	"quotagate/internal/config"
)

func callAdmin(handler fasthttp.RequestHandler, user, pass string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod("GET")
	req.SetRequestURI("/api/keys")
	if user != "" || pass != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Authorization", "Basic "+cred)
	}
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	handler(ctx)
	return ctx
}

func TestAdminAuth(t *testing.T) {
	cfg := &config.Config{AdminUser: "admin", AdminPassword: "s3cret"}
	var reached bool
	handler := AdminAuth(cfg)(func(ctx *fasthttp.RequestCtx) {
		reached = true
		ctx.SetStatusCode(fasthttp.StatusOK)
	})

	cases := []struct {
		name       string
		user, pass string
		status     int
	}{
		{"valid credentials", "admin", "s3cret", fasthttp.StatusOK},
		{"wrong password", "admin", "nope", fasthttp.StatusUnauthorized},
		{"wrong user", "root", "s3cret", fasthttp.StatusUnauthorized},
		{"no credentials", "", "", fasthttp.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reached = false
			ctx := callAdmin(handler, tc.user, tc.pass)
			if ctx.Response.StatusCode() != tc.status {
				t.Fatalf("status = %d, want %d", ctx.Response.StatusCode(), tc.status)
			}
			if tc.status == fasthttp.StatusOK && !reached {
				t.Error("handler was not reached")
			}
			if tc.status == fasthttp.StatusUnauthorized {
				if reached {
					t.Error("handler must not run without valid credentials")
				}
				if got := string(ctx.Response.Header.Peek("WWW-Authenticate")); got == "" {
					t.Error("401 must carry WWW-Authenticate")
				}
			}
		})
	}
}
