package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/purerosefallen/simpleuser"
)

type envelope struct {
	StatusCode int       `json:"statusCode"`
	Message    string    `json:"message"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

type waitTime struct {
	WaitTimeMs int64 `json:"waitTimeMs"`
}

func writeJSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		StatusCode: status,
		Message:    message,
		Success:    status < 400,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	})
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, "success", data)
}

// statusOf maps engine errors to HTTP statuses.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, simpleuser.ErrUnauthenticated):
		return http.StatusUnauthorized, "Invalid user token"
	case errors.Is(err, simpleuser.ErrAuthenticationRequired),
		errors.Is(err, simpleuser.ErrMissingClientSession):
		return http.StatusUnauthorized, "User authentication required"
	case errors.Is(err, simpleuser.ErrRateLimited):
		return http.StatusTooManyRequests, "Please wait before requesting another code"
	case errors.Is(err, simpleuser.ErrTooManyAttempts):
		return http.StatusTooManyRequests, "Too many failed attempts, please try again later"
	case errors.Is(err, simpleuser.ErrInvalidCode):
		return http.StatusForbidden, "Invalid email code"
	case errors.Is(err, simpleuser.ErrInvalidPassword):
		return http.StatusForbidden, "Invalid password"
	case errors.Is(err, simpleuser.ErrNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, simpleuser.ErrNotAllowed):
		return http.StatusPaymentRequired, "Not allowed for anonymous user"
	case errors.Is(err, simpleuser.ErrGenerationFailed):
		return http.StatusNotImplemented, "Failed to send code"
	case errors.Is(err, simpleuser.ErrEmailTaken):
		return http.StatusConflict, "Email already in use"
	case errors.Is(err, simpleuser.ErrCodeOrPasswordRequired):
		return http.StatusBadRequest, "Please provide code or password to login"
	case errors.Is(err, simpleuser.ErrInvalidPurpose),
		errors.Is(err, simpleuser.ErrInvalidEmail),
		errors.Is(err, simpleuser.ErrPasswordTooShort),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusOf(err)
	if status == http.StatusInternalServerError {
		a.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}

	var (
		data any
		we   *simpleuser.WaitError
	)
	if errors.As(err, &we) {
		data = waitTime{WaitTimeMs: we.WaitMs()}
	}
	writeJSON(w, status, message, data)
}
