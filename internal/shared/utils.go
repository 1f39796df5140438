// Package shared
package shared

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"
)

func ExtractAPIKey(c echo.Context) (string, error) {
	auth := c.Request().Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingAuth
	}

	parts := strings.Split(auth, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrInvalidFormat
	}
	return parts[1], nil
}

// ErrorDetail pulls a readable message out of a dependency's error body.
// json bodies are searched for the usual keys, anything else is returned
// trimmed and capped.
func ErrorDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "no error detail"
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, key := range []string{"detail", "message", "error"} {
			v, ok := parsed[key]
			if !ok || v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				return capDetail(s)
			}
			if b, err := json.Marshal(v); err == nil {
				return capDetail(string(b))
			}
		}
	}
	return capDetail(string(body))
}

func capDetail(s string) string {
	if len(s) > MaxErrorDetailBytes {
		cut := MaxErrorDetailBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
