package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// Response is the uniform API envelope.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo is the serialized form of a structured error.
type ErrorInfo struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Node      string `json:"node,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestIDFrom(r.Context()),
	})
}

func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	e := types.Classify(err)
	status := e.HTTPStatus
	if status == 0 {
		status = httpStatus(e.Code)
	}
	if logger != nil {
		logger.Warn("api error",
			zap.String("code", string(e.Code)),
			zap.String("message", e.Message),
			zap.Int("status", status),
		)
	}
	writeJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:      string(e.Code),
			Message:   e.Message,
			Node:      e.Node,
			Retryable: e.Retryable,
		},
		Timestamp: time.Now(),
		RequestID: requestIDFrom(r.Context()),
	})
}

func httpStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrTenant:
		return http.StatusForbidden
	case types.ErrBudgetExceeded:
		return http.StatusPaymentRequired
	case types.ErrCheckpoint:
		return http.StatusConflict
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	case types.ErrRetrieval, types.ErrTool, types.ErrLLM:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body, rejecting unknown fields.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return types.NewError(types.ErrValidation, "request body is empty")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return types.NewError(types.ErrValidation, "invalid JSON body").WithCause(err)
	}
	return nil
}
