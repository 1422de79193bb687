package endpoint

import "strings"

// APIPrefix is the mount point of derived plugin routes.
const APIPrefix = "/api"

// RootNamespace groups routes that do not live under /api/<namespace>.
const RootNamespace = "root"

// DerivePath builds the default route of a module: /api/<namespace>/<base>.
func DerivePath(namespace, base string) string {
	return CleanPath(APIPrefix + "/" + namespace + "/" + base)
}

// CleanPath enforces a leading slash and collapses runs of slashes. Dot
// segments are kept verbatim.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	var b strings.Builder
	b.Grow(len(p) + 1)
	if !strings.HasPrefix(p, "/") {
		b.WriteByte('/')
	}
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Namespace returns the introspection group of a path: the first segment
// after /api/, RootNamespace for every path outside /api/.
func Namespace(p string) string {
	segs := strings.Split(strings.Trim(CleanPath(p), "/"), "/")
	if len(segs) >= 2 && segs[0] == "api" && segs[1] != "" {
		return segs[1]
	}
	return RootNamespace
}

// RoutePattern converts express-style ":name" segments into chi "{name}"
// placeholders. Optional markers ("?") are dropped.
func RoutePattern(p string) string {
	segs := strings.Split(CleanPath(p), "/")
	for i, s := range segs {
		if len(s) > 1 && s[0] == ':' {
			segs[i] = "{" + strings.TrimSuffix(s[1:], "?") + "}"
		}
	}
	return strings.Join(segs, "/")
}
