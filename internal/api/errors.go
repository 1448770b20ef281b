package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoToken is returned by Login when the server answered 2xx without a
// token in either of the accepted fields.
var ErrNoToken = errors.New("no token in login response")

// StatusError is a non-2xx answer from the remote API.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is a 401 or 403 from the remote API.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == 401 || se.StatusCode == 403
}

const maxMessageLen = 200

// serverMessage pulls a human-readable message out of an error body: the
// message or error field of a JSON object, else the trimmed text.
func serverMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, m := range []string{payload.Message, payload.Error, payload.Detail} {
			if m != "" {
				return m
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if strings.HasPrefix(msg, "{") || strings.HasPrefix(msg, "<") {
		return ""
	}
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen]
	}
	return msg
}
