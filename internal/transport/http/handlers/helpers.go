package handlers

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	httperrors "github.com/ivankudzin/bumplink/backend/internal/transport/http/errors"
)

// clientIP returns the request's source address. The RealIP middleware
// already rewrote RemoteAddr to the forwarded address when one was
// presented; a plain host:port is stripped to its host.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{Code: code, Message: message})
}

func writeForbidden(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusForbidden, httperrors.APIError{Code: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}

func writeRateLimited(w http.ResponseWriter, retryAfterSec int64) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSec, 10))
	httperrors.Write(w, http.StatusTooManyRequests, httperrors.RateLimitError{
		Code:          "RATE_LIMITED",
		Message:       "too many requests",
		RetryAfterSec: retryAfterSec,
	})
}

func parseIntOrDefault(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
