package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/storefront/internal/domain"
)

// apiPathPrefix marks routes whose callers always expect JSON errors.
const apiPathPrefix = "/api/"

// statusByCode maps domain error codes to HTTP statuses. Unknown codes are
// treated as internal errors.
var statusByCode = map[string]int{
	domain.EINVALID:        http.StatusBadRequest,
	domain.EUNAUTHORIZED:   http.StatusUnauthorized,
	domain.ESESSIONEXPIRED: http.StatusUnauthorized,
	domain.EFORBIDDEN:      http.StatusForbidden,
	domain.ENOTFOUND:       http.StatusNotFound,
	domain.ETOOLARGE:       http.StatusRequestEntityTooLarge,
	domain.ERATELIMIT:      http.StatusTooManyRequests,
	domain.EINTERNAL:       http.StatusInternalServerError,
	// The authority is our upstream, so its failures are a bad gateway.
	domain.EUNAVAILABLE: http.StatusBadGateway,
}

// JSONError is the error body every relay endpoint returns:
//
//	{"error": {"code": "session_expired", "message": "Session expired"}}
//
// Fields is only set for validation failures.
type JSONError struct {
	Error struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Fields  map[string]string `json:"fields,omitempty"`
	} `json:"error"`
}

// ErrorCodeToHTTPStatus maps a domain error code to an HTTP status.
func ErrorCodeToHTTPStatus(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorResponse writes err to the client. API callers get a JSONError body;
// page requests get plain text. Only the error's public message is sent. The
// operation and any wrapped cause, such as a backend address in a dial
// error, go to the log.
func ErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		ValidationErrorResponse(w, r, logger, err)
		return
	}

	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)
	message := domain.ErrorMessage(err)

	attrs := []any{
		"error", err.Error(),
		"code", code,
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
	}
	if op := domain.ErrorOp(err); op != "" {
		attrs = append(attrs, "op", op)
	}
	if status >= 500 {
		logger.Error("server error", attrs...)
	} else {
		logger.Info("client error", attrs...)
	}

	var body JSONError
	body.Error.Code = code
	body.Error.Message = message
	writeError(w, r, status, body, message)
}

// ValidationErrorResponse writes a 400 listing the offending fields. Errors
// that are not validation errors go through ErrorResponse.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		ErrorResponse(w, r, logger, err)
		return
	}

	logger.Info("validation error", "op", ve.Op, "field_count", len(ve.Fields), "path", r.URL.Path)

	var body JSONError
	body.Error.Code = domain.EINVALID
	body.Error.Message = "Validation failed"
	body.Error.Fields = ve.Fields
	writeError(w, r, http.StatusBadRequest, body, "Validation failed. Please check your input and try again.")
}

// NotFoundResponse writes a 404. Unknown paths under /api/ use it so that
// relay callers never receive an HTML page.
func NotFoundResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	ErrorResponse(w, r, logger, domain.Errorf(domain.ENOTFOUND, "", "The requested resource was not found"))
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body JSONError, text string) {
	if !wantsJSON(r) {
		http.Error(w, text, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// wantsJSON reports whether the caller is a script rather than a page load.
// Everything under /api/ is, whatever it sends in Accept.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, apiPathPrefix) {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json")
}
