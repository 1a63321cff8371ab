package service

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"stream-relay/internal/model"
)

// ResolveTarget joins the service base URL with the inbound path suffix and
// parses the query parameters.
//
// The suffix may carry its own "?query" (and a "#fragment", which is
// dropped). Its parameters come before those of rawQuery, so a key present in
// both becomes a sequence in that order.
func ResolveTarget(service string, baseURL *url.URL, suffix, rawQuery string) *model.ResolvedTarget {
	path, embedded := splitSuffix(suffix)

	u := *baseURL
	u.Path = strings.TrimSuffix(baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	params := model.Params{}
	parseQuery(params, embedded)
	parseQuery(params, rawQuery)

	return &model.ResolvedTarget{
		Service: service,
		URL:     &u,
		Params:  params,
	}
}

// splitSuffix normalizes the path and separates an embedded query.
func splitSuffix(suffix string) (path, query string) {
	suffix, _, _ = strings.Cut(suffix, "#")
	path, query, _ = strings.Cut(suffix, "?")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path, query
}

// parseQuery adds form-encoded pairs from raw to params in order.
// Pairs without "=" or with an empty value are skipped.
func parseQuery(params model.Params, raw string) {
	for pair := range strings.SplitSeq(raw, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || value == "" {
			continue
		}
		params.Add(unquotePlus(key), unquotePlus(value))
	}
}

// unquotePlus decodes a form component. Unlike url.QueryUnescape it never
// fails: malformed escapes are kept as-is and each byte that is not part of
// valid UTF-8 becomes its own U+FFFD.
func unquotePlus(s string) string {
	if !strings.ContainsAny(s, "%+") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '+':
			b.WriteByte(' ')
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return replaceInvalidUTF8(b.String())
}

func replaceInvalidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for len(s) > 0 {
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[:size])
		}
		s = s[size:]
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
