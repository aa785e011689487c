package registry

import "regexp"

// segmentPattern matches one lowercase alphanumeric-plus-separators path
// segment of a repository namespace, e.g. "library" or "my-app_2".
var segmentPattern = regexp.MustCompile(`^[a-z0-9]+((?:[._]|__|[-]+)[a-z0-9]+)*$`)

// ValidNamespace reports whether namespace is a valid `/`-separated image
// name such as "library/hello". Each segment is validated independently
// against the same per-label shape Docker/OCI names require.
func ValidNamespace(namespace string) bool {
	if namespace == "" || len(namespace) > 255 {
		return false
	}

	segments := splitSegments(namespace)
	if len(segments) == 0 {
		return false
	}
	for _, seg := range segments {
		if seg == "" || len(seg) > 63 || !segmentPattern.MatchString(seg) {
			return false
		}
	}
	return true
}

func splitSegments(namespace string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(namespace); i++ {
		if namespace[i] == '/' {
			segments = append(segments, namespace[start:i])
			start = i + 1
		}
	}
	segments = append(segments, namespace[start:])
	return segments
}
