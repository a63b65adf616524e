package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotAuthenticated is returned when no access token is available
var ErrNotAuthenticated = errors.New("not authenticated: please run 'eduhire login' first")

// ErrTokenExpired is returned when a request was held back because the access
// token expired. The caller may retry after a refresh.
var ErrTokenExpired = errors.New("access token expired")

// ErrAuthExpired is returned when the session cannot be recovered without signing in again
var ErrAuthExpired = errors.New("session expired: please sign in again")

// Machine codes attached by the client itself. Backend codes pass through unchanged.
const (
	CodeNetwork         = "NETWORK_ERROR"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodeResponseTooBig  = "RESPONSE_TOO_LARGE"
)

// Error is the single normalized shape for every failed backend call
type Error struct {
	Message string
	Code    string
	Status  int
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Code != "":
		return fmt.Sprintf("%s (status %d, code %s)", e.Message, e.Status, e.Code)
	case e.Status > 0:
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	case e.Code != "":
		return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
	default:
		return e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FieldError returns the validation message for field, if any
func (e *Error) FieldError(field string) string {
	if e == nil || e.Details == nil {
		return ""
	}
	return e.Details[field]
}

// StatusOf returns the HTTP status carried by err, or 0
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "Invalid request. Please check your input and try again.",
	http.StatusUnauthorized:        "Your session has expired. Please sign in again.",
	http.StatusForbidden:           "You do not have permission to perform this action.",
	http.StatusNotFound:            "The requested resource was not found.",
	http.StatusConflict:            "This resource already exists.",
	http.StatusUnprocessableEntity: "Validation failed. Please check your input.",
	http.StatusTooManyRequests:     "Too many requests. Please wait a moment and try again.",
	http.StatusInternalServerError: "Something went wrong on our end. Please try again later.",
	http.StatusBadGateway:          "The server is temporarily unreachable. Please try again later.",
	http.StatusServiceUnavailable:  "The service is temporarily unavailable. Please try again later.",
	http.StatusGatewayTimeout:      "The server took too long to respond. Please try again later.",
}

// StatusMessage returns the human-readable message for an HTTP status
func StatusMessage(status int) string {
	if msg, ok := statusMessages[status]; ok {
		return msg
	}
	if status >= 500 {
		return "Server error. Please try again later."
	}
	return "An unexpected error occurred. Please try again."
}

// errorBody covers the error shapes the backend emits
type errorBody struct {
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Errors  json.RawMessage `json:"errors"`
	Details json.RawMessage `json:"details"`
}

type fieldEntry struct {
	Field   string `json:"field"`
	Path    string `json:"path"`
	Param   string `json:"param"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

// NormalizeError maps a failed exchange to an *Error. transportErr is set when
// no response was received; otherwise status and body describe the response.
// It performs no I/O.
func NormalizeError(status int, body []byte, transportErr error) *Error {
	if transportErr != nil {
		return normalizeTransport(transportErr)
	}

	out := &Error{Status: status}

	var eb errorBody
	if len(body) > 0 && json.Unmarshal(body, &eb) == nil {
		out.Code = eb.Code
		out.Message = strings.TrimSpace(eb.Message)

		// "error" is either a message string or a nested {message, code} object.
		if len(eb.Error) > 0 {
			var s string
			if json.Unmarshal(eb.Error, &s) == nil {
				if out.Message == "" {
					out.Message = strings.TrimSpace(s)
				}
			} else {
				var nested errorBody
				if json.Unmarshal(eb.Error, &nested) == nil {
					if out.Message == "" {
						out.Message = strings.TrimSpace(nested.Message)
					}
					if out.Code == "" {
						out.Code = nested.Code
					}
					if out.Details == nil {
						out.Details = parseDetails(nested.Errors)
					}
				}
			}
		}

		if details := parseDetails(eb.Errors); len(details) > 0 {
			out.Details = details
		} else if details := parseDetails(eb.Details); len(details) > 0 {
			out.Details = details
		}
	}

	if out.Message == "" {
		out.Message = StatusMessage(status)
	}
	return out
}

func normalizeTransport(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Message: "The request timed out. Please try again.", Code: CodeTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Message: "The request was cancelled.", Code: CodeCanceled, Err: err}
	case errors.Is(err, ErrResponseTooLarge):
		return &Error{Message: "The server response was too large.", Code: CodeResponseTooBig, Err: err}
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return &Error{Message: "The request timed out. Please try again.", Code: CodeTimeout, Err: err}
	}
	return &Error{Message: "Unable to reach the server. Please check your connection and try again.", Code: CodeNetwork, Err: err}
}

// parseDetails accepts [{field,message}], {field: message} and {field: [messages]}.
func parseDetails(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var list []fieldEntry
	if json.Unmarshal(raw, &list) == nil {
		details := make(map[string]string, len(list))
		for _, entry := range list {
			field := firstNonEmpty(entry.Field, entry.Path, entry.Param)
			msg := firstNonEmpty(entry.Message, entry.Msg)
			if field == "" || msg == "" {
				continue
			}
			if _, exists := details[field]; !exists {
				details[field] = msg
			}
		}
		return nilIfEmpty(details)
	}

	var flat map[string]string
	if json.Unmarshal(raw, &flat) == nil {
		return nilIfEmpty(flat)
	}

	var multi map[string][]string
	if json.Unmarshal(raw, &multi) == nil {
		details := make(map[string]string, len(multi))
		for field, msgs := range multi {
			if len(msgs) > 0 {
				details[field] = msgs[0]
			}
		}
		return nilIfEmpty(details)
	}

	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
