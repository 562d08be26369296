package proxy

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	dbpkg "quotagate/internal/db"
)

// maxStoredBody caps how much of a request or response body one proxy log
// row may hold.
const maxStoredBody = 5000

// Attempt describes the terminal outcome of one proxy request, admitted or
// denied.
type Attempt struct {
	APIKeyID       uint
	ProtectedAPIID uint

	Method      string
	Path        string
	QueryParams string

	RequestHeaders map[string]any
	RequestBody    []byte

	Status      int
	Duration    time.Duration
	RateLimited bool

	ResponseBody []byte
	ErrorMessage string
}

// AuditLogger appends proxy logs without ever blocking or failing the
// request path. Writes happen on detached goroutines; a failed write is
// logged for operators and otherwise swallowed.
type AuditLogger struct {
	db        *gorm.DB
	retention time.Duration

	wg sync.WaitGroup
}

// NewAuditLogger returns a logger whose rows expire after retentionDays
// (zero keeps them forever).
func NewAuditLogger(db *gorm.DB, retentionDays int) *AuditLogger {
	return &AuditLogger{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Record fires a log write for one attempt and returns immediately.
func (a *AuditLogger) Record(attempt Attempt) {
	now := time.Now()

	rec := dbpkg.ProxyLog{
		CreatedAt:      now,
		APIKeyID:       attempt.APIKeyID,
		ProtectedAPIID: attempt.ProtectedAPIID,
		Method:         attempt.Method,
		Path:           attempt.Path,
		QueryParams:    attempt.QueryParams,
		RequestBody:    truncate(attempt.RequestBody),
		ResponseStatus: attempt.Status,
		ResponseTimeMs: attempt.Duration.Milliseconds(),
		RateLimited:    attempt.RateLimited,
		ResponseBody:   truncate(attempt.ResponseBody),
		ErrorMessage:   attempt.ErrorMessage,
	}
	if len(attempt.RequestHeaders) > 0 {
		rec.RequestHeaders = attempt.RequestHeaders
	}
	if a.retention > 0 {
		t := now.Add(a.retention)
		rec.ExpiresAt = &t
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.db.Create(&rec).Error; err != nil {
			log.Printf("audit: failed to store proxy log: %v", err)
		}
	}()
}

// Flush waits for in-flight writes. Used in tests and on shutdown.
func (a *AuditLogger) Flush() {
	a.wg.Wait()
}

func truncate(b []byte) string {
	if len(b) > maxStoredBody {
		b = b[:maxStoredBody]
	}
	return string(b)
}
