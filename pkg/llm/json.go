package llm

import (
	"regexp"
	"strings"
)

//nolint:gochecknoglobals // compiled once
var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// ExtractJSON finds the JSON payload in a model reply: the first fenced block
// holding an object or array, then the outermost object, or a bare top-level
// array when it opens before any object.
func ExtractJSON(reply string) (string, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(reply, -1) {
		body := strings.TrimSpace(m[1])
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return body, true
		}
	}

	objStart := strings.Index(reply, "{")
	arrStart := strings.Index(reply, "[")
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		if end := strings.LastIndex(reply, "]"); end > arrStart {
			return reply[arrStart : end+1], true
		}
	}
	if objStart >= 0 {
		if end := strings.LastIndex(reply, "}"); end > objStart {
			return reply[objStart : end+1], true
		}
	}
	return "", false
}
