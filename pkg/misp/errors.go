package misp

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	gojson "github.com/goccy/go-json"
)

type ErrorKind int

const (
	ERROR_KIND_OTHER ErrorKind = iota
	ERROR_KIND_DUPLICATE
	ERROR_KIND_VALIDATION
)

func (k ErrorKind) String() string {
	switch k {
	case ERROR_KIND_DUPLICATE:
		return "duplicate"
	case ERROR_KIND_VALIDATION:
		return "validation"
	}
	return "other"
}

// Error is a non-2xx response from MISP.
type Error struct {
	StatusCode int
	Message    string
	Kind       ErrorKind
}

func (e *Error) Error() string {
	return fmt.Sprintf("misp request failed (%d): %s", e.StatusCode, e.Message)
}

// TransportError is a failure to reach MISP or read its answer.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "misp request failed: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type errorResponse struct {
	Name    string                 `json:"name"`
	Message string                 `json:"message"`
	Errors  map[string]interface{} `json:"errors"`
}

func newError(statusCode int, body []byte) *Error {
	message := buildErrorMessage(body)

	return &Error{
		StatusCode: statusCode,
		Message:    message,
		Kind:       classifyText(string(body)),
	}
}

func buildErrorMessage(body []byte) string {
	var resp errorResponse

	if err := gojson.Unmarshal(body, &resp); err != nil {
		return strings.TrimSpace(string(body))
	}

	messages := []string{}

	if resp.Message != "" {
		messages = append(messages, resp.Message)
	} else if resp.Name != "" {
		messages = append(messages, resp.Name)
	}

	fields := make([]string, 0, len(resp.Errors))
	for field := range resp.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		switch v := resp.Errors[field].(type) {
		case []interface{}:
			for _, item := range v {
				messages = append(messages, fmt.Sprintf("%s: %v", field, item))
			}
		default:
			messages = append(messages, fmt.Sprintf("%s: %v", field, v))
		}
	}

	if len(messages) == 0 {
		return strings.TrimSpace(string(body))
	}

	return strings.Join(messages, "; ")
}

// Classify returns the kind of a sink error. Typed *Error values carry their
// kind; anything else falls back to matching the error text.
func Classify(err error) ErrorKind {
	if err == nil {
		return ERROR_KIND_OTHER
	}

	var mispErr *Error
	if errors.As(err, &mispErr) {
		return mispErr.Kind
	}

	return classifyText(err.Error())
}

// IsTransient reports whether a retry may help: transport failures and
// rejections that are neither duplicates nor validation errors. Anything
// else, such as an undecodable response, is not.
func IsTransient(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var mispErr *Error
	if errors.As(err, &mispErr) {
		return mispErr.Kind == ERROR_KIND_OTHER
	}

	return false
}

// classifyText matches the substrings MISP uses for duplicate and
// validation rejections. The wording is MISP's, not ours.
func classifyText(s string) ErrorKind {
	if strings.Contains(s, "already exists") {
		return ERROR_KIND_DUPLICATE
	}

	lower := strings.ToLower(s)
	if strings.Contains(lower, "validation") || strings.Contains(lower, "invalid") {
		return ERROR_KIND_VALIDATION
	}

	return ERROR_KIND_OTHER
}
