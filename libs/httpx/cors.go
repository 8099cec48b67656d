package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy controls which cross-origin callers may reach the API.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// corsHeaders is the CORSPolicy precomputed into ready-to-emit header values.
type corsHeaders struct {
	origins     []string
	methods     string
	headers     string
	maxAge      string
	credentials bool
}

// WithCORS emits CORS headers for requests from allowed origins and
// short-circuits preflight OPTIONS. With no allowed origins it is a no-op.
func WithCORS(policy CORSPolicy) Middleware {
	if len(policy.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	pre := corsHeaders{
		origins:     trimNonEmpty(policy.AllowedOrigins),
		methods:     strings.Join(trimNonEmpty(policy.AllowedMethods), ", "),
		headers:     strings.Join(trimNonEmpty(policy.AllowedHeaders), ", "),
		credentials: policy.AllowCredentials,
	}
	if secs := int(policy.MaxAge.Seconds()); secs > 0 {
		pre.maxAge = strconv.Itoa(secs)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allow, ok := pre.resolveOrigin(origin)
			if origin == "" || !ok {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allow)
			if pre.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if pre.methods != "" {
				h.Set("Access-Control-Allow-Methods", pre.methods)
			}
			if pre.headers != "" {
				h.Set("Access-Control-Allow-Headers", pre.headers)
			}
			if pre.maxAge != "" {
				h.Set("Access-Control-Max-Age", pre.maxAge)
			}
			h.Add("Vary", "Origin")
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolveOrigin picks the Allow-Origin value for a request origin. A wildcard
// entry must echo the concrete origin when credentials are allowed; browsers
// reject "*" together with credentials.
func (c corsHeaders) resolveOrigin(origin string) (string, bool) {
	for _, candidate := range c.origins {
		switch {
		case candidate == "*" && c.credentials:
			return origin, true
		case candidate == "*":
			return "*", true
		case strings.EqualFold(candidate, origin):
			return origin, true
		}
	}
	return "", false
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
