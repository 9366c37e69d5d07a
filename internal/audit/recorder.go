package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/aegis/internal/apperr"
	"github.com/mbd888/aegis/internal/identity"
	"github.com/mbd888/aegis/internal/idgen"
	"github.com/mbd888/aegis/internal/logging"
	"github.com/mbd888/aegis/internal/metrics"
	"github.com/mbd888/aegis/internal/syncutil"
	"github.com/mbd888/aegis/internal/tenancy"
)

const (
	resourceIDKey = "audit.resourceID"
	tenantKey     = "audit.tenantID"
	actorKey      = "audit.actorID"

	maxCapture = 64 << 10
)

// SetResourceID names the affected resource explicitly.
func SetResourceID(c *gin.Context, id string) { c.Set(resourceIDKey, id) }

// SetTenant attributes a platform-route record (one that skipped the tenant
// gate) to the tenant it acted on.
func SetTenant(c *gin.Context, tenantID string) { c.Set(tenantKey, tenantID) }

// SetActor names the actor on routes without a TenantContext.
func SetActor(c *gin.Context, actorID string) { c.Set(actorKey, actorID) }

// Recorder writes one audit record per successful mutating request.
//
// Writes are synchronous, detached from request cancellation and bounded by
// a short timeout. A failed write is logged and counted but never changes
// the response, so the trail may have gaps while the store is down.
type Recorder struct {
	store   Store
	prefix  string
	timeout time.Duration
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecorder derives resourceType from the first path segment after prefix.
func NewRecorder(store Store, prefix string, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		prefix:  strings.TrimSuffix(prefix, "/"),
		timeout: 3 * time.Second,
		logger:  logger,
		now:     time.Now,
	}
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if room := maxCapture - w.buf.Len(); room > 0 {
		if len(b) > room {
			w.buf.Write(b[:room])
		} else {
			w.buf.Write(b)
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Middleware must sit outside the quota gate so the record is written after
// the quota lock is released.
func (r *Recorder) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		action, mutating := ActionForMethod(c.Request.Method)
		if !mutating {
			c.Next()
			return
		}

		cw := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = cw
		c.Next()

		status := cw.Status()
		if status >= 400 {
			return
		}
		r.record(c, action, status, cw.buf.Bytes())
	}
}

func (r *Recorder) record(c *gin.Context, action Action, status int, body []byte) {
	tenantID := tenancy.TenantID(c)
	if tenantID == "" {
		tenantID = c.GetString(tenantKey)
	}
	if tenantID == "" {
		return
	}

	actorID := c.GetString(actorKey)
	if tc, ok := identity.Get(c); ok {
		actorID = tc.CallerID
	}
	if actorID == "" {
		actorID = "system"
	}

	rec := &Record{
		ID:           idgen.WithPrefix("aud_"),
		TenantID:     tenantID,
		ActorID:      actorID,
		Action:       action,
		ResourceType: r.resourceType(c.Request.URL.Path),
		ResourceID:   resourceID(c, body),
		Details: Details{
			Method:    c.Request.Method,
			Path:      c.Request.URL.Path,
			Status:    status,
			RequestID: logging.RequestID(c.Request.Context()),
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), r.timeout)
	defer cancel()
	if err := r.Write(ctx, rec); err != nil {
		werr := &apperr.AuditWriteError{Err: err}
		logging.L(ctx).Error("audit record dropped",
			"error", werr,
			"action", rec.Action,
			"resource_type", rec.ResourceType,
		)
	}
}

// Write stamps OccurredAt and appends rec under the tenant's lock, so a
// tenant's records are stored in completion order.
func (r *Recorder) Write(ctx context.Context, rec *Record) error {
	unlock := r.locks.Lock(rec.TenantID)
	defer unlock()

	rec.OccurredAt = r.now().UTC()
	if err := r.store.Append(ctx, rec); err != nil {
		metrics.AuditWritesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.AuditWritesTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Recorder) resourceType(path string) string {
	path = strings.TrimPrefix(path, r.prefix)
	path = strings.TrimPrefix(path, "/")
	seg, _, _ := strings.Cut(path, "/")
	return seg
}

func resourceID(c *gin.Context, body []byte) string {
	if id := c.GetString(resourceIDKey); id != "" {
		return id
	}
	if len(body) > 0 && body[0] == '{' {
		var head struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(body, &head) == nil && len(head.ID) > 0 {
			var s string
			if json.Unmarshal(head.ID, &s) == nil {
				return s
			}
			return string(head.ID)
		}
	}
	return c.Param("id")
}
