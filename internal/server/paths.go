package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// splitTrailing splits path on the last occurrence of sep, returning the
// portion before sep as name and the remainder as value. Repository names
// may themselves contain slashes (e.g. "library/hello"), so this looks for
// sep from the right rather than splitting on the first slash.
func splitTrailing(path, sep string) (name, value string, ok bool) {
	idx := strings.LastIndex(path, sep)
	if idx < 0 {
		return "", "", false
	}
	name = path[:idx]
	value = path[idx+len(sep):]
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

// splitSuffix strips a literal trailing suffix from path, returning the
// remainder as name.
func splitSuffix(path, suffix string) (name string, ok bool) {
	if !strings.HasSuffix(path, suffix) {
		return "", false
	}
	name = strings.TrimSuffix(path, suffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// parseContentRangeStart extracts the starting byte offset from a
// Content-Range header in either "bytes start-end/total" or "start-end"
// form. Returns ok=false when the header is absent or unparseable.
func parseContentRangeStart(header string) (int64, bool) {
	if header == "" {
		return 0, false
	}
	value := strings.TrimPrefix(header, "bytes ")
	if slash := strings.Index(value, "/"); slash >= 0 {
		value = value[:slash]
	}
	dash := strings.Index(value, "-")
	if dash < 0 {
		return 0, false
	}
	start, err := strconv.ParseInt(value[:dash], 10, 64)
	if err != nil {
		return 0, false
	}
	return start, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
