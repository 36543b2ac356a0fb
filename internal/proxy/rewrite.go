package proxy

import (
	"net/url"
	"strings"
)

// APIKeyParam is the query parameter carrying the caller's API key.
const APIKeyParam = "api-key"

// APIKey returns the api-key query parameter of u.
func APIKey(u *url.URL) (string, bool) {
	values, ok := u.Query()[APIKeyParam]
	if !ok || len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

// TargetURL builds the outbound URL for a request: the backend base URL
// joined with the request path, carrying the backend's own query followed
// by the request query minus the api-key parameter.
func TargetURL(base *url.URL, req *url.URL) *url.URL {
	target := *base
	target.Path = joinPath(base.Path, req.Path)
	target.RawPath = ""
	target.Fragment = ""
	target.RawQuery = mergeQuery(base.RawQuery, stripAPIKey(req.RawQuery))
	return &target
}

// joinPath joins base and path with exactly one separator. A root request
// path maps to the base path without a trailing slash.
func joinPath(base, path string) string {
	if path == "" || path == "/" {
		return strings.TrimSuffix(base, "/")
	}

	switch baseSlash, pathSlash := strings.HasSuffix(base, "/"), strings.HasPrefix(path, "/"); {
	case baseSlash && pathSlash:
		return base + path[1:]
	case !baseSlash && !pathSlash:
		return base + "/" + path
	default:
		return base + path
	}
}

// stripAPIKey removes every api-key parameter while keeping the order and
// encoding of the others.
func stripAPIKey(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		name := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			name = part[:i]
		}
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if name == APIKeyParam {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func mergeQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "&" + b
	}
}
