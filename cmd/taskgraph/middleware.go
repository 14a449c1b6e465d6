package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/taskgraph/api/handlers"
	"github.com/BaSui01/taskgraph/config"
	"github.com/BaSui01/taskgraph/internal/ctxkeys"
	"github.com/BaSui01/taskgraph/internal/metrics"
	"github.com/BaSui01/taskgraph/types"
)

// Middleware 包装一个 http.Handler
type Middleware func(http.Handler) http.Handler

// Chain 按顺序套用中间件，mws[0] 位于最外层
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := range mws {
		h = mws[len(mws)-1-i](h)
	}
	return h
}

// Recovery 把 handler panic 转为 500 响应
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}
				logger.Error("handler panicked",
					zap.Any("panic", v),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				handlers.WriteErrorMessage(w, http.StatusInternalServerError,
					types.ErrInternalError, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// maxRequestIDLen 超长的客户端请求 ID 会被替换
const maxRequestIDLen = 128

// RequestID 沿用客户端的 X-Request-ID，缺失时生成 UUID
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

var securityHeaders = [][2]string{
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Content-Security-Policy", "default-src 'self'"},
}

// SecurityHeaders 为所有响应附加固定的安全头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, kv := range securityHeaders {
				h.Set(kv[0], kv[1])
			}
			next.ServeHTTP(w, r)
		})
	}
}

// =============================================================================
// 📈 Instrument：span、指标与访问日志
// =============================================================================

// Instrument 为每个请求开启服务端 span（延续上游 trace 上下文），
// 结束后写访问日志并上报 HTTP 指标。collector 为 nil 时不记指标。
func Instrument(logger *zap.Logger, collector *metrics.Collector) Middleware {
	tracer := otel.Tracer("taskgraph/http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := normalizePath(r.URL.Path)

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.HTTPRoute(route),
				))
			defer span.End()

			requestID, _ := ctxkeys.RequestID(ctx)
			if requestID != "" {
				span.SetAttributes(attribute.String("request.id", requestID))
			}

			rw := handlers.NewResponseWriter(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(rw.StatusCode))
			if rw.StatusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(rw.StatusCode))
			}

			if collector != nil {
				collector.RecordHTTPRequest(r.Method, route, rw.StatusCode, elapsed,
					max(r.ContentLength, 0), rw.BytesWritten)
			}

			fields := make([]zap.Field, 0, 8)
			fields = append(fields,
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Int64("bytes", rw.BytesWritten),
				zap.Duration("duration", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
			)
			if requestID != "" {
				fields = append(fields, zap.String("request_id", requestID))
			}
			if sub, ok := ctxkeys.Subject(ctx); ok {
				fields = append(fields, zap.String("subject", sub))
			}
			logger.Info("request", fields...)
		})
	}
}

// normalizePath 把请求路径折叠为路由模板，控制指标与 span 名的基数：
//
//	/api/v1/runs/abc/events -> /api/v1/runs/:id/events
//	/api/v1/graphs/review   -> /api/v1/graphs/:name
//
// 未知路径统一为 "other"。
func normalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/ready", "/readyz", "/version", "/metrics",
		"/api/v1/runs", "/api/v1/graphs", "/api/v1/graphs/validate":
		return path
	}

	rest, ok := strings.CutPrefix(path, "/api/v1/")
	if !ok {
		return "other"
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "runs":
		return "/api/v1/runs/:id"
	case len(parts) == 3 && parts[0] == "runs" && parts[2] == "events":
		return "/api/v1/runs/:id/events"
	case len(parts) == 2 && parts[0] == "graphs":
		return "/api/v1/graphs/:name"
	}
	return "other"
}

// =============================================================================
// 🚦 按 IP 限流
// =============================================================================

// visitorTTL 超过该时长未出现的 IP 会被清理
const visitorTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter 为每个客户端 IP 维护一个令牌桶
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep 删除过期 visitor，返回删除数
func (l *ipLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(l.visitors, ip)
			n++
		}
	}
	return n
}

func (l *ipLimiter) janitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimiter 按客户端 IP 限流，超限返回 429；ctx 结束时停止后台清理
func RateLimiter(ctx context.Context, rps float64, burst int, logger *zap.Logger) Middleware {
	l := newIPLimiter(rps, burst)
	go l.janitor(ctx, time.Minute)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if l.allow(ip, time.Now()) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Debug("rate limited", zap.String("ip", ip), zap.String("path", r.URL.Path))
			w.Header().Set("Retry-After", "1")
			handlers.WriteErrorMessage(w, http.StatusTooManyRequests, types.ErrRateLimited, "too many requests", nil)
		})
	}
}

// =============================================================================
// 🔐 JWT Bearer 认证
// =============================================================================

// tokenVerifier 校验 HS256 令牌，exp 必填，iss/aud 按配置校验
type tokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func newTokenVerifier(cfg config.JWTConfig) *tokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &tokenVerifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}
}

// verify 返回令牌的 sub，可能为空
func (v *tokenVerifier) verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errMissingBearer
	}
	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return "", err
	}
	return claims.Subject, nil
}

var errMissingBearer = types.NewError(types.ErrUnauthorized, "missing or malformed Authorization header")

// JWTAuth 要求 Bearer 令牌并把 sub 写入请求 context；skipPaths 免认证。
// secret 为空时不启用认证。
func JWTAuth(cfg config.JWTConfig, skipPaths []string, logger *zap.Logger) Middleware {
	if cfg.Secret == "" {
		logger.Warn("JWT secret not configured, API authentication disabled")
		return func(next http.Handler) http.Handler { return next }
	}

	public := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		public[p] = true
	}
	v := newTokenVerifier(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			sub, err := v.verify(r.Header.Get("Authorization"))
			switch {
			case err == errMissingBearer:
				handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, errMissingBearer.Message, nil)
				return
			case err != nil:
				logger.Debug("JWT validation failed", zap.Error(err))
				handlers.WriteErrorMessage(w, http.StatusUnauthorized, types.ErrUnauthorized, "invalid or expired token", nil)
				return
			}
			ctx := r.Context()
			if sub != "" {
				ctx = ctxkeys.WithSubject(ctx, sub)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
