package service

import (
	"net/http"
	"strings"
)

// connectionHeaders are recomputed by the outbound client and never forwarded.
var connectionHeaders = []string{"Host", "Content-Length"}

// TransformHeaders returns the outbound header set: the inbound headers minus
// Host and Content-Length, with every required header replacing any
// same-named inbound header. Key matching ignores case. in and required are
// not modified.
func TransformHeaders(in, required http.Header) http.Header {
	out := make(http.Header, len(in)+len(required))
	for k, vals := range in {
		if matchesAny(k, connectionHeaders) || hasKeyFold(required, k) {
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	for k, vals := range required {
		if matchesAny(k, connectionHeaders) {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vals...)
	}
	return out
}

func matchesAny(key string, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(key, n) {
			return true
		}
	}
	return false
}

func hasKeyFold(h http.Header, key string) bool {
	for k := range h {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}
