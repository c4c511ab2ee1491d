// Package calendar is the boundary to the remote calendar provider. It
// defines the closed Event record the sync engine works with, the error
// sentinels every provider call is classified into, and a Google Calendar
// implementation with incremental sync and etag preconditions.
package calendar

import (
	"errors"
	"fmt"
	"net/http"
	"slices"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for remote call classification.
// Use errors.Is(err, calendar.ErrVersionConflict) to check.
var (
	ErrCursorExpired    = errors.New("calendar: sync cursor expired")
	ErrVersionConflict  = errors.New("calendar: version conflict")
	ErrNotFound         = errors.New("calendar: not found")
	ErrCalendarNotFound = errors.New("calendar: calendar not found")
	ErrBadRequest       = errors.New("calendar: bad request")
	ErrUnauthorized     = errors.New("calendar: unauthorized")
	ErrForbidden        = errors.New("calendar: forbidden")
	ErrThrottled        = errors.New("calendar: throttled")
	ErrServerError      = errors.New("calendar: server error")
	ErrRevoked          = errors.New("calendar: authorization revoked")
	ErrInvalidEvent     = errors.New("calendar: invalid event")
)

// CalendarError wraps a sentinel error with the HTTP status code and the
// provider's reason and message for debugging.
type CalendarError struct {
	StatusCode int
	Reason     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *CalendarError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("calendar: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("calendar: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *CalendarError) Unwrap() error {
	return e.Err
}

// rateLimitReasons are 403 reasons Google uses for quota exhaustion.
var rateLimitReasons = []string{"rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded"}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes. Operation-specific meanings of 404,
// 409, 410 and 412 are applied by the callers.
func classifyStatus(code int, reason string) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		if slices.Contains(rateLimitReasons, reason) {
			return ErrThrottled
		}

		return ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrVersionConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// wrapAPIError converts a google-api-go error into a CalendarError. The
// override, when non-nil, replaces the status sentinel (e.g. 410 on a
// delta listing means the cursor expired, not that an event is gone).
// Non-API errors (network, context) are wrapped unchanged.
func wrapAPIError(op string, err error, override func(code int) error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fmt.Errorf("calendar: %s: %w", op, err)
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}

	sentinel := classifyStatus(gerr.Code, reason)
	if override != nil {
		if o := override(gerr.Code); o != nil {
			sentinel = o
		}
	}

	if sentinel == nil {
		sentinel = ErrServerError
	}

	return fmt.Errorf("calendar: %s: %w", op, &CalendarError{
		StatusCode: gerr.Code,
		Reason:     reason,
		Message:    gerr.Message,
		Err:        sentinel,
	})
}

// statusCode extracts the HTTP status from an error chain, or 0.
func statusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}

	return 0
}
