package main

import (
	"log"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"quotagate/internal/config"
	"quotagate/internal/db"
	"quotagate/internal/http/handlers"
	appmw "quotagate/internal/http/middleware"
	"quotagate/internal/proxy"
	"quotagate/internal/ratelimit"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	rdb, err := ratelimit.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	limiter := ratelimit.New(ratelimit.NewRedisCounters(rdb))

	db.StartRetentionWorker(sqlDB)
	db.StartAggregationWorker(sqlDB)

	fwd := proxy.NewForwarder(cfg.UpstreamTimeout)
	audit := proxy.NewAuditLogger(sqlDB, cfg.LogRetentionDays)

	handlers.InitPrometheusMetrics()

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.GET("/metrics", handlers.MetricsHandler())

	// The proxy surface: everything under /proxy/{slug} is admitted or
	// denied per grant, then forwarded to the configured upstream.
	proxyHandler := handlers.Proxy(sqlDB, limiter, fwd, audit)
	r.ANY("/proxy/{slug}", proxyHandler)
	r.ANY("/proxy/{slug}/{path:*}", proxyHandler)

	// Admin surface, guarded by HTTP Basic credentials from config.
	admin := appmw.AdminAuth(cfg)

	r.POST("/api/keys", admin(handlers.CreateAPIKey(sqlDB)))
	r.GET("/api/keys", admin(handlers.ListAPIKeys(sqlDB)))
	r.GET("/api/keys/stats", admin(handlers.KeyUsageStats(sqlDB, limiter)))
	r.DELETE("/api/keys/{id}", admin(handlers.DeleteAPIKey(sqlDB)))

	r.POST("/api/protected-apis", admin(handlers.CreateProtectedAPI(sqlDB)))
	r.GET("/api/protected-apis", admin(handlers.ListProtectedAPIs(sqlDB)))
	r.GET("/api/protected-apis/key/{keyId}/endpoints", admin(handlers.KeyEndpoints(sqlDB)))
	r.GET("/api/protected-apis/stats/endpoints", admin(handlers.EndpointUsageStats(sqlDB, limiter)))
	r.GET("/api/protected-apis/{id}", admin(handlers.GetProtectedAPI(sqlDB)))
	r.PUT("/api/protected-apis/{id}", admin(handlers.UpdateProtectedAPI(sqlDB)))
	r.DELETE("/api/protected-apis/{id}", admin(handlers.DeleteProtectedAPI(sqlDB)))

	r.POST("/api/protected-apis/link", admin(handlers.LinkKey(sqlDB)))
	r.DELETE("/api/protected-apis/link/{keyId}/{apiId}", admin(handlers.UnlinkKey(sqlDB)))

	r.GET("/api/usage/history", admin(handlers.UsageHistory(sqlDB)))

	// Sample endpoints metered against a key's global quota pair.
	quota := appmw.KeyQuota(sqlDB, limiter)
	r.GET("/api/protected/data", quota(handlers.ProtectedData()))
	r.POST("/api/protected/action", quota(handlers.ProtectedAction()))

	log.Printf("quotagate listening on %s", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, r.Handler); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
