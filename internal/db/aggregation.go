package db

import (
	"log"
	"sort"
	"time"

	"gorm.io/gorm"
)

// runAggregationOnce aggregates proxy logs for the given hour (bucketStart to
// bucketStart+1h) into UsageBucket rows. Call with bucketStart = time in UTC
// truncated to hour.
func runAggregationOnce(db *gorm.DB, bucketStart time.Time) error {
	bucketEnd := bucketStart.Add(time.Hour)

	var logs []ProxyLog
	if err := db.Where("created_at >= ? AND created_at < ?", bucketStart, bucketEnd).
		Select("api_key_id", "protected_api_id", "response_status", "response_time_ms", "rate_limited").
		Find(&logs).Error; err != nil {
		return err
	}

	// Group by (key, protected API); collect status and duration for percentiles.
	type pair struct {
		KeyID uint
		APIID uint
	}
	groups := make(map[pair][]ProxyLog)
	for _, l := range logs {
		k := pair{KeyID: l.APIKeyID, APIID: l.ProtectedAPIID}
		groups[k] = append(groups[k], l)
	}

	for k, list := range groups {
		total := int64(len(list))
		var errorCount, rateLimitedCount int64
		durations := make([]int64, 0, len(list))
		for _, l := range list {
			if l.ResponseStatus >= 400 {
				errorCount++
			}
			if l.RateLimited {
				rateLimitedCount++
			}
			durations = append(durations, l.ResponseTimeMs)
		}
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		p50 := int64(0)
		p95 := int64(0)
		p99 := int64(0)
		if n := len(durations); n > 0 {
			p50 = durations[(n*50)/100]
			p95 = durations[(n*95)/100]
			p99 = durations[(n*99)/100]
		}

		row := UsageBucket{
			APIKeyID:         k.KeyID,
			ProtectedAPIID:   k.APIID,
			BucketStart:      bucketStart,
			TotalCount:       total,
			ErrorCount:       errorCount,
			RateLimitedCount: rateLimitedCount,
			DurationP50Ms:    p50,
			DurationP95Ms:    p95,
			DurationP99Ms:    p99,
		}
		var existing UsageBucket
		err := db.Where("api_key_id = ? AND protected_api_id = ? AND bucket_start = ?", k.KeyID, k.APIID, bucketStart).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			err = db.Create(&row).Error
		} else if err == nil {
			err = db.Model(&existing).Updates(map[string]interface{}{
				"total_count":        row.TotalCount,
				"error_count":        row.ErrorCount,
				"rate_limited_count": row.RateLimitedCount,
				"duration_p50_ms":    row.DurationP50Ms,
				"duration_p95_ms":    row.DurationP95Ms,
				"duration_p99_ms":    row.DurationP99Ms,
			}).Error
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// StartAggregationWorker runs aggregation for the previous full hour at startup,
// then every hour. Buckets are in UTC.
func StartAggregationWorker(db *gorm.DB) {
	go func() {
		// Run for the last 24 completed hours at startup.
		now := time.Now().UTC()
		for i := 1; i <= 24; i++ {
			bucketStart := now.Truncate(time.Hour).Add(-time.Duration(i) * time.Hour)
			if err := runAggregationOnce(db, bucketStart); err != nil {
				log.Printf("aggregation error (startup) for %s: %v", bucketStart.Format(time.RFC3339), err)
			}
		}

		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for t := range ticker.C {
			bucketStart := t.UTC().Truncate(time.Hour).Add(-time.Hour)
			if err := runAggregationOnce(db, bucketStart); err != nil {
				log.Printf("aggregation error for %s: %v", bucketStart.Format(time.RFC3339), err)
			}
		}
	}()
}
