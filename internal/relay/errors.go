package relay

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// errorCode is one standardized client-facing error. Upstream bodies are
// never forwarded raw; they are matched against these and replaced.
type errorCode struct {
	Status  int
	Type    string
	Message string
	Pattern *regexp.Regexp
}

var errorCodes = []errorCode{
	{Status: 400, Type: "invalid_request_error", Message: "bad request format", Pattern: regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{Status: 401, Type: "authentication_error", Message: "authentication failed", Pattern: regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{Status: 403, Type: "permission_error", Message: "access denied", Pattern: regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{Status: 404, Type: "not_found_error", Message: "resource not found", Pattern: regexp.MustCompile(`(?i)not.?found`)},
	{Status: 413, Type: "request_too_large", Message: "request payload too large", Pattern: regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{Status: 429, Type: "rate_limit_error", Message: "rate limited, please retry later", Pattern: regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{Status: 500, Type: "api_error", Message: "internal server error", Pattern: regexp.MustCompile(`(?i)internal.?server`)},
	{Status: 502, Type: "api_error", Message: "bad gateway", Pattern: regexp.MustCompile(`(?i)bad.?gateway`)},
	{Status: 503, Type: "overloaded_error", Message: "service temporarily overloaded", Pattern: regexp.MustCompile(`(?i)overloaded|unavailable`)},
	{Status: 529, Type: "overloaded_error", Message: "upstream overloaded, please retry later", Pattern: regexp.MustCompile(`(?i)529|overloaded`)},
	{Status: 400, Type: "invalid_request_error", Message: "model not available", Pattern: regexp.MustCompile(`(?i)model.*not.*available|unsupported.*model|does not support`)},
	{Status: 400, Type: "invalid_request_error", Message: "context window exceeded", Pattern: regexp.MustCompile(`(?i)context.?window|token.?limit.*exceed|too.?long|max.*tokens.*input`)},
	{Status: 400, Type: "invalid_request_error", Message: "content policy violation", Pattern: regexp.MustCompile(`(?i)content.?policy|safety|moderation|harmful`)},
	{Status: 502, Type: "api_error", Message: "unexpected upstream error", Pattern: nil},
}

// statusCodeMap handles statuses that map 1:1 regardless of body text.
var statusCodeMap map[int]*errorCode

func init() {
	direct := map[int]bool{
		401: true, 403: true, 404: true, 413: true,
		429: true, 502: true, 503: true, 529: true,
	}
	statusCodeMap = make(map[int]*errorCode, len(direct))
	for i := range errorCodes {
		if direct[errorCodes[i].Status] && statusCodeMap[errorCodes[i].Status] == nil {
			statusCodeMap[errorCodes[i].Status] = &errorCodes[i]
		}
	}
}

var fallbackError = &errorCodes[len(errorCodes)-1]

// SanitizeError maps an upstream error to its standardized form. Account
// identifiers, org names, and upstream infrastructure details never
// reach the client.
func SanitizeError(statusCode int, body []byte) (int, []byte) {
	if ec, ok := statusCodeMap[statusCode]; ok {
		return ec.Status, errorJSON(ec.Type, ec.Message)
	}
	for i := range errorCodes {
		ec := &errorCodes[i]
		if ec.Pattern != nil && ec.Pattern.MatchString(string(body)) {
			return ec.Status, errorJSON(ec.Type, ec.Message)
		}
	}

	// Well-formed upstream errors keep their type with our wording.
	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Type != "" {
		return statusCode, errorJSON(parsed.Error.Type, parsed.Error.Message)
	}
	return fallbackError.Status, errorJSON(fallbackError.Type, fallbackError.Message)
}

// SanitizeSSEError renders the sanitized error as an SSE error event.
func SanitizeSSEError(statusCode int, body []byte) string {
	_, sanitized := SanitizeError(statusCode, body)
	return fmt.Sprintf("event: error\ndata: %s\n\n", sanitized)
}

func errorJSON(errType, msg string) []byte {
	data, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
	return data
}
