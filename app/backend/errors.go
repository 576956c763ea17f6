package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// maxErrBody caps how much of an error response body is read
const maxErrBody = 1024 * 1024

// APIError is the uniform error for any non-2xx backend response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: %s (status %d)", e.Message, e.Status)
}

// ErrStatus returns the http status of err if it is an APIError, 0 otherwise
func ErrStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// IsNotFound reports whether err is a backend 404
func IsNotFound(err error) bool { return ErrStatus(err) == http.StatusNotFound }

// IsUnreachable reports whether err is a transport-level failure, i.e. the
// backend never produced a response. Used to decide if a submission should
// be spooled for later delivery.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// Fallbacks supplies error messages by status range when the backend
// response body carries no usable message.
type Fallbacks struct {
	Client string // 4xx
	Server string // 5xx
}

// errorBody is the backend's error envelope
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// apiError converts a non-2xx response into *APIError. The message comes from
// the JSON error envelope when parseable, then from the range fallback, then
// from the raw body.
func apiError(resp *http.Response, fb Fallbacks) *APIError {
	res := &APIError{Status: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if err != nil {
		body = nil
	}

	var eb errorBody
	if jerr := json.Unmarshal(body, &eb); jerr == nil && eb.Error != "" {
		res.Message = eb.Error
		if eb.Detail != "" {
			res.Message += ": " + eb.Detail
		}
		return res
	}

	switch {
	case resp.StatusCode >= 500 && fb.Server != "":
		res.Message = fb.Server
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && fb.Client != "":
		res.Message = fb.Client
	case len(strings.TrimSpace(string(body))) > 0:
		res.Message = strings.TrimSpace(string(body))
		if len(res.Message) > 256 {
			res.Message = res.Message[:256]
		}
	default:
		res.Message = http.StatusText(resp.StatusCode)
	}
	return res
}

// decodeJSON checks the response status and decodes a 2xx JSON body into v
func decodeJSON[T any](resp *http.Response, v *T, fb Fallbacks) error {
	if resp.StatusCode/100 != 2 {
		return apiError(resp, fb)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("can't decode backend response: %w", err)
	}
	return nil
}

// discard checks the status of a response with no interesting body
func discard(resp *http.Response, fb Fallbacks) error {
	if resp.StatusCode/100 != 2 {
		return apiError(resp, fb)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBody))
	return nil
}
