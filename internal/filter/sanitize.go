package filter

import (
	"net/http"
	"strings"
)

const Replacement = "***REDACTED***"

// DefaultSensitiveHeaders are redacted when no explicit list is given.
var DefaultSensitiveHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "X-Auth-Token"}

// RedactHeaders returns a copy of h with sensitive header values replaced,
// suitable for logging.
func RedactHeaders(h http.Header, names []string) http.Header {
	if len(h) == 0 {
		return h
	}
	if names == nil {
		names = DefaultSensitiveHeaders
	}
	set := toLowerSet(names)
	out := make(http.Header, len(h))
	for k, vs := range h {
		if _, ok := set[strings.ToLower(k)]; ok {
			repl := make([]string, len(vs))
			for i := range repl {
				repl[i] = Replacement
			}
			out[k] = repl
			continue
		}
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// RedactSecrets replaces every occurrence of the given secrets in text.
// Empty secrets are ignored.
func RedactSecrets(text string, secrets ...string) string {
	for _, s := range secrets {
		if s == "" {
			continue
		}
		text = strings.ReplaceAll(text, s, Replacement)
	}
	return text
}

func toLowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, v := range items {
		v = strings.TrimSpace(strings.ToLower(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
