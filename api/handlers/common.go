package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/ctxkeys"
	"github.com/BaSui01/taskgraph/types"
)

// maxBodyBytes 请求体上限（1 MiB）
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 响应信封
// =============================================================================

// Response 是所有 JSON 接口共用的信封：成功时带 data，失败时带 error
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 是信封中的错误部分
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Node       string `json:"node,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// WriteJSON 以 status 写出任意 JSON 值
func WriteJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已发出，编码失败只能放弃
	_ = json.NewEncoder(w).Encode(v)
}

func WriteSuccess(w http.ResponseWriter, data any) { WriteStatus(w, http.StatusOK, data) }

// WriteStatus 写出成功信封
func WriteStatus(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data, Timestamp: time.Now()})
}

// =============================================================================
// ❌ 错误响应
// =============================================================================

// WriteError 写出 types.Error；未指定 HTTPStatus 时按错误码推断
func WriteError(w http.ResponseWriter, err *types.Error, logger *zap.Logger) {
	writeError(w, nil, err, logger)
}

// WriteRequestError 把引擎或存储错误映射为 API 错误，信封中带上请求 ID
func WriteRequestError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	writeError(w, r, types.FromWorkflowError(err), logger)
}

// WriteErrorMessage 以固定状态码写出一条错误消息
func WriteErrorMessage(w http.ResponseWriter, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, types.NewError(code, message).WithHTTPStatus(status), logger)
}

func writeError(w http.ResponseWriter, r *http.Request, err *types.Error, logger *zap.Logger) {
	status := err.HTTPStatus
	if status == 0 {
		status = statusFor(err.Code)
	}
	var requestID string
	if r != nil {
		requestID, _ = ctxkeys.RequestID(r.Context())
	}
	if logger != nil {
		logAPIError(logger, err, status, requestID)
	}

	WriteJSON(w, status, Response{
		Error: &ErrorInfo{
			Code:       string(err.Code),
			Message:    err.Message,
			Node:       err.Node,
			Retryable:  err.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
		RequestID: requestID,
	})
}

// logAPIError 5xx 记 Error，其余只记 Debug
func logAPIError(logger *zap.Logger, err *types.Error, status int, requestID string) {
	fields := []zap.Field{
		zap.String("code", string(err.Code)),
		zap.String("message", err.Message),
		zap.Int("status", status),
		zap.Bool("retryable", err.Retryable),
	}
	if err.Cause != nil {
		fields = append(fields, zap.Error(err.Cause))
	}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	log := logger.Debug
	if status >= http.StatusInternalServerError {
		log = logger.Error
	}
	log("API error", fields...)
}

var codeStatus = map[types.ErrorCode]int{
	types.ErrInvalidRequest:     http.StatusBadRequest,
	types.ErrGraphInvalid:       http.StatusBadRequest,
	types.ErrConditionParse:     http.StatusBadRequest,
	types.ErrUnknownTask:        http.StatusBadRequest,
	types.ErrUnauthorized:       http.StatusUnauthorized,
	types.ErrForbidden:          http.StatusForbidden,
	types.ErrNotFound:           http.StatusNotFound,
	types.ErrGraphNotFound:      http.StatusNotFound,
	types.ErrRunNotFound:        http.StatusNotFound,
	types.ErrConflict:           http.StatusConflict,
	types.ErrRateLimited:        http.StatusTooManyRequests,
	types.ErrRunQueueFull:       http.StatusTooManyRequests,
	types.ErrNodeFailed:         http.StatusUnprocessableEntity,
	types.ErrCircuitOpen:        http.StatusUnprocessableEntity,
	types.ErrDeadlock:           http.StatusUnprocessableEntity,
	types.ErrTimeout:            http.StatusGatewayTimeout,
	types.ErrServiceUnavailable: http.StatusServiceUnavailable,
	types.ErrRunCancelled:       http.StatusServiceUnavailable,
}

// statusFor 返回错误码对应的 HTTP 状态，未登记的为 500
func statusFor(code types.ErrorCode) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// =============================================================================
// 🛡️ 请求体
// =============================================================================

// DecodeJSONBody 解码恰好一个 JSON 值到 dst，拒绝未知字段与超过 1 MiB 的请求体。
// 失败时已写出 400/413 响应，调用方直接返回即可。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	fail := func(status int, msg string, cause error) error {
		e := types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status)
		if cause != nil {
			e = e.WithCause(cause)
		}
		writeError(w, r, e, logger)
		return e
	}

	if r.Body == nil || r.Body == http.NoBody {
		return fail(http.StatusBadRequest, "request body is empty", nil)
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fail(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), err)
		}
		return fail(http.StatusBadRequest, "invalid JSON body", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fail(http.StatusBadRequest, "request body must contain a single JSON value", err)
	}
	return nil
}

// ValidateContentType 要求 application/json，否则写出 415
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "application/json" {
		return true
	}
	writeError(w, r, types.NewError(types.ErrInvalidRequest, "Content-Type must be application/json").
		WithHTTPStatus(http.StatusUnsupportedMediaType), logger)
	return false
}

// =============================================================================
// 📊 ResponseWriter
// =============================================================================

// ResponseWriter 记录状态码与响应字节数，供访问日志与指标使用。
// 透传 Flush 与 Hijack，WebSocket 升级可以穿过中间件。
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter 包装 w；已包装过的直接返回
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	if rw, ok := w.(*ResponseWriter); ok {
		return rw
	}
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 只有第一次调用生效
func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.Written {
		return
	}
	rw.StatusCode, rw.Written = code, true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *ResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker.
func (rw *ResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not implement http.Hijacker", rw.ResponseWriter)
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.StatusCode, rw.Written = http.StatusSwitchingProtocols, true
	}
	return conn, buf, err
}

// Unwrap 供 http.ResponseController 使用
func (rw *ResponseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
