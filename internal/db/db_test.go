package db

import (
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return gdb
}

func seed(t *testing.T, gdb *gorm.DB) (APIKey, ProtectedAPI, KeyGrant) {
	t.Helper()
	key := APIKey{Key: "key_abc123", Name: "demo", LimitPerMinute: 5, LimitPerDay: 100}
	if err := gdb.Create(&key).Error; err != nil {
		t.Fatalf("seed key: %v", err)
	}
	api := ProtectedAPI{Name: "JSONPlaceholder", Slug: "jsonplaceholder", TargetURL: "https://jsonplaceholder.typicode.com", Active: true}
	if err := gdb.Create(&api).Error; err != nil {
		t.Fatalf("seed api: %v", err)
	}
	grant := KeyGrant{APIKeyID: key.ID, ProtectedAPIID: api.ID, LimitPerMinute: 3, LimitPerDay: 50}
	if err := UpsertGrant(gdb, &grant); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	return key, api, grant
}

func TestResolve_Totality(t *testing.T) {
	gdb := testDB(t)
	key, api, grant := seed(t, gdb)

	// An active route with no grant for our key.
	other := ProtectedAPI{Name: "Other", Slug: "other", TargetURL: "https://other.example.com", Active: true}
	if err := gdb.Create(&other).Error; err != nil {
		t.Fatalf("seed other api: %v", err)
	}

	cases := []struct {
		name    string
		token   string
		slug    string
		wantErr error
	}{
		{"missing key", "", api.Slug, ErrNoKey},
		{"unknown key", "key_nope", api.Slug, ErrInvalidKey},
		{"unknown slug", key.Key, "nope", ErrRouteNotFound},
		{"no grant", key.Key, other.Slug, ErrNoGrant},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adm, err := Resolve(gdb, tc.token, tc.slug)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if adm != nil {
				t.Fatalf("expected nil admission on rejection")
			}
		})
	}

	adm, err := Resolve(gdb, key.Key, api.Slug)
	if err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if adm.Key.ID != key.ID || adm.Route.ID != api.ID || adm.Grant.ID != grant.ID {
		t.Fatalf("admission references wrong records")
	}
	if adm.Grant.LimitPerMinute != 3 || adm.Grant.LimitPerDay != 50 {
		t.Fatalf("grant limits not carried: %+v", adm.Grant)
	}
}

func TestResolve_SoftDeletedRouteIsNotFound(t *testing.T) {
	gdb := testDB(t)
	key, api, _ := seed(t, gdb)

	if err := SoftDeleteRoute(gdb, api.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	if _, err := Resolve(gdb, key.Key, api.Slug); !errors.Is(err, ErrRouteNotFound) {
		t.Fatalf("expected ErrRouteNotFound after soft delete, got %v", err)
	}

	// The row itself survives so logs keep a valid reference.
	if _, err := RouteByID(gdb, api.ID); err != nil {
		t.Fatalf("expected soft-deleted row to remain readable by id: %v", err)
	}
}

func TestUpsertGrant_ReplacesLimits(t *testing.T) {
	gdb := testDB(t)
	key, api, _ := seed(t, gdb)

	relink := KeyGrant{APIKeyID: key.ID, ProtectedAPIID: api.ID, LimitPerMinute: 9, LimitPerDay: 90}
	if err := UpsertGrant(gdb, &relink); err != nil {
		t.Fatalf("expected relink to upsert, got %v", err)
	}

	var count int64
	if err := gdb.Model(&KeyGrant{}).Where("api_key_id = ?", key.ID).Count(&count).Error; err != nil {
		t.Fatalf("count grants: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 grant after relink, got %d", count)
	}

	grant, err := GrantFor(gdb, key.ID, api.ID)
	if err != nil {
		t.Fatalf("GrantFor: %v", err)
	}
	if grant.LimitPerMinute != 9 || grant.LimitPerDay != 90 {
		t.Fatalf("limits not replaced: %+v", grant)
	}
}

func TestDeleteKey_RemovesGrants(t *testing.T) {
	gdb := testDB(t)
	key, api, _ := seed(t, gdb)

	if err := DeleteKey(gdb, key.ID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := KeyByToken(gdb, key.Key); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected key gone, got %v", err)
	}
	if _, err := GrantFor(gdb, key.ID, api.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected grant gone, got %v", err)
	}
}

func TestCreateRoute_DuplicateSlug(t *testing.T) {
	gdb := testDB(t)
	_, api, _ := seed(t, gdb)

	dup := ProtectedAPI{Name: "Dup", Slug: api.Slug, TargetURL: "https://dup.example.com", Active: true}
	err := gdb.Create(&dup).Error
	if !IsDuplicate(err) {
		t.Fatalf("expected duplicate-slug violation, got %v", err)
	}
}

func TestRetention_PurgesExpiredProxyLogs(t *testing.T) {
	gdb := testDB(t)
	key, api, _ := seed(t, gdb)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	logs := []ProxyLog{
		{APIKeyID: key.ID, ProtectedAPIID: api.ID, Method: "GET", ExpiresAt: &past},
		{APIKeyID: key.ID, ProtectedAPIID: api.ID, Method: "GET", ExpiresAt: &future},
		{APIKeyID: key.ID, ProtectedAPIID: api.ID, Method: "GET"}, // no expiry: keep forever
	}
	if err := gdb.Create(&logs).Error; err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	if err := runRetentionOnce(gdb); err != nil {
		t.Fatalf("retention: %v", err)
	}

	var count int64
	if err := gdb.Model(&ProxyLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 surviving logs, got %d", count)
	}
}

func TestAggregation_RollsUpProxyLogs(t *testing.T) {
	gdb := testDB(t)
	key, api, _ := seed(t, gdb)

	bucket := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	logs := []ProxyLog{
		{CreatedAt: bucket.Add(5 * time.Minute), APIKeyID: key.ID, ProtectedAPIID: api.ID, ResponseStatus: 200, ResponseTimeMs: 40},
		{CreatedAt: bucket.Add(10 * time.Minute), APIKeyID: key.ID, ProtectedAPIID: api.ID, ResponseStatus: 502, ResponseTimeMs: 30000},
		{CreatedAt: bucket.Add(20 * time.Minute), APIKeyID: key.ID, ProtectedAPIID: api.ID, ResponseStatus: 429, ResponseTimeMs: 2, RateLimited: true},
		{CreatedAt: bucket.Add(90 * time.Minute), APIKeyID: key.ID, ProtectedAPIID: api.ID, ResponseStatus: 200, ResponseTimeMs: 10}, // next hour
	}
	if err := gdb.Create(&logs).Error; err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	if err := runAggregationOnce(gdb, bucket); err != nil {
		t.Fatalf("aggregation: %v", err)
	}

	var row UsageBucket
	if err := gdb.Where("api_key_id = ? AND protected_api_id = ? AND bucket_start = ?", key.ID, api.ID, bucket).First(&row).Error; err != nil {
		t.Fatalf("expected usage bucket: %v", err)
	}
	if row.TotalCount != 3 {
		t.Fatalf("expected 3 requests in bucket, got %d", row.TotalCount)
	}
	if row.ErrorCount != 2 {
		t.Fatalf("expected 2 errors (502, 429), got %d", row.ErrorCount)
	}
	if row.RateLimitedCount != 1 {
		t.Fatalf("expected 1 rate-limited attempt, got %d", row.RateLimitedCount)
	}
}
