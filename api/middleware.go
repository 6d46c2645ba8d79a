package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/expertflow-ai/expertflow/config"
	"github.com/expertflow-ai/expertflow/types"
)

type contextKey string

const (
	ctxKeyTenantID  contextKey = "tenant_id"
	ctxKeyRequestID contextKey = "request_id"
)

// TenantFrom returns the authenticated tenant id, or "".
func TenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(ctxKeyTenantID).(string)
	return tenant
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// withRequestID assigns every request an id, honoring the inbound
// X-Request-ID header.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// statusWriter captures the response status for logging.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.status = code
		sw.written = true
		sw.ResponseWriter.WriteHeader(code)
	}
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.WriteHeader(http.StatusOK)
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("tenant_id", TenantFrom(r.Context())),
			zap.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

// withAuth authenticates the tenant from a bearer JWT. With auth
// disabled every request runs as the configured dev tenant.
func withAuth(cfg config.AuthConfig, logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled {
			ctx := context.WithValue(r.Context(), ctxKeyTenantID, cfg.DevTenant)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, r, types.NewError(types.ErrTenant, "missing bearer token"), logger)
			return
		}

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.Secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			writeError(w, r, types.NewError(types.ErrTenant, "invalid token").WithCause(err), logger)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, r, types.NewError(types.ErrTenant, "invalid token claims"), logger)
			return
		}
		tenant, _ := claims["tenant_id"].(string)
		if tenant == "" {
			tenant, _ = claims["sub"].(string)
		}
		if tenant == "" {
			writeError(w, r, types.NewError(types.ErrTenant, "token carries no tenant"), logger)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyTenantID, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantLimiter holds one token bucket per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiter(cfg config.RateLimitConfig) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(cfg.RPS),
		burst:    cfg.Burst,
	}
}

func (tl *tenantLimiter) limiter(tenant string) *rate.Limiter {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	lim, ok := tl.limiters[tenant]
	if !ok {
		lim = rate.NewLimiter(tl.rps, tl.burst)
		tl.limiters[tenant] = lim
	}
	return lim
}

func withRateLimit(cfg config.RateLimitConfig, logger *zap.Logger, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	tl := newTenantLimiter(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFrom(r.Context())
		if !tl.limiter(tenant).Allow() {
			e := types.NewError(types.ErrValidation, "rate limit exceeded").
				WithHTTPStatus(http.StatusTooManyRequests).
				WithRetryable(true)
			writeError(w, r, e, logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}
