// Package security provides HTTP hardening for the infravault API:
// response headers, origin allow-lists and outbound URL checks.
package security

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// apiHeaders are set on every response. The API serves JSON only, so
// nothing is framed, rendered or cached by intermediaries.
var apiHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"Content-Security-Policy", "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"},
	{"Cache-Control", "no-store"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// HeadersMiddleware adds the API's security headers to all responses.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		c.Next()
	}
}

// Origins is a browser origin allow-list. Entries are exact origins
// ("https://ops.example.com"), a subdomain wildcard
// ("https://*.example.com") or "*" for any origin.
type Origins struct {
	any      bool
	exact    map[string]bool
	suffixes []string // "https://" + ".example.com"
}

// ParseOrigins builds an allow-list. Entries are normalised to lower case
// without a trailing slash; blank entries are ignored.
func ParseOrigins(entries []string) Origins {
	o := Origins{exact: make(map[string]bool)}
	for _, e := range entries {
		e = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(e)), "/")
		switch {
		case e == "":
		case e == "*":
			o.any = true
		case strings.Contains(e, "://*."):
			scheme, host, _ := strings.Cut(e, "://*")
			o.suffixes = append(o.suffixes, scheme+"://"+host)
		default:
			o.exact[e] = true
		}
	}
	return o
}

// Empty reports whether no origin was configured.
func (o Origins) Empty() bool {
	return !o.any && len(o.exact) == 0 && len(o.suffixes) == 0
}

// Wildcard reports whether every origin is allowed.
func (o Origins) Wildcard() bool { return o.any }

// Allows reports whether origin is on the list.
func (o Origins) Allows(origin string) bool {
	if o.any {
		return true
	}
	origin = strings.ToLower(origin)
	if o.exact[origin] {
		return true
	}
	for _, s := range o.suffixes {
		scheme, domain, _ := strings.Cut(s, "://")
		rest, ok := strings.CutPrefix(origin, scheme+"://")
		if ok && strings.HasSuffix(rest, domain) && len(rest) > len(domain) {
			return true
		}
	}
	return false
}

// SameHost reports whether origin names the host the request was sent to.
func SameHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

// CORSMiddleware answers cross-origin requests from allowed origins. An
// empty list allows any origin, which is only appropriate in development.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := ParseOrigins(allowedOrigins)
	open := origins.Empty()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Writer.Header().Add("Vary", "Origin")

		if origin != "" && (open || origins.Allows(origin)) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "Retry-After, X-Request-ID")
			h.Set("Access-Control-Max-Age", "86400")
			// Credentials are never paired with a wildcard list.
			if !origins.Wildcard() && !open {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
