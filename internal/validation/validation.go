// Package validation holds the request checks shared by the API handlers:
// body size limits, ciphertext handle fields, record IDs in the path and
// numeric query parameters.
package validation

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/infravault/internal/ciphertext"
)

// MaxRequestSize caps request bodies. Submissions carry three handles, so
// anything near this size is not a legitimate request.
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware rejects bodies larger than limit bytes once the
// handler reads past it.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// FieldError names one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every field rejected by a check.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

func (e *Errors) add(field, message string) {
	*e = append(*e, FieldError{Field: field, Message: message})
}

// HandleField pairs a raw request value with the handle it decodes into.
type HandleField struct {
	Name string
	Raw  string
	Dst  *ciphertext.Handle
}

// Handles decodes every field, reporting each malformed or zero handle.
// Destinations of rejected fields are left untouched.
func Handles(fields ...HandleField) Errors {
	var errs Errors
	for _, f := range fields {
		if f.Raw == "" {
			errs.add(f.Name, "is required")
			continue
		}
		h, err := ciphertext.Parse(f.Raw)
		if err != nil {
			errs.add(f.Name, "must be a non-zero 32-byte hex handle (0x + 64 hex chars)")
			continue
		}
		*f.Dst = h
	}
	return errs
}

// ParseID parses a positive decimal record ID.
func ParseID(s string) (uint64, bool) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// IDParamMiddleware rejects routes whose :id is not a record ID.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Param("id"); raw != "" {
			if _, ok := ParseID(raw); !ok {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_id",
					"message": "id must be a positive integer",
				})
				return
			}
		}
		c.Next()
	}
}

// Query reads optional query parameters. Absent parameters yield zero
// values; malformed ones are collected and reported together by Err.
type Query struct {
	values url.Values
	errs   Errors
}

// NewQuery wraps a request's query values.
func NewQuery(values url.Values) *Query {
	return &Query{values: values}
}

// Uint reads a non-negative integer, such as a record ID filter.
func (q *Query) Uint(name string) uint64 {
	raw := q.values.Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		q.errs.add(name, "must be a non-negative integer")
	}
	return n
}

// Seq reads an event sequence number.
func (q *Query) Seq(name string) int64 {
	raw := q.values.Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		q.errs.add(name, "must be a non-negative integer")
		return 0
	}
	return n
}

// Limit reads a page size, falling back to def when absent and capping
// at max.
func (q *Query) Limit(name string, def, max int) int {
	raw := q.values.Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		q.errs.add(name, "must be a positive integer")
		return def
	}
	return min(n, max)
}

// Duration reads a non-negative Go duration such as 5m.
func (q *Query) Duration(name string) time.Duration {
	raw := q.values.Get(name)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		q.errs.add(name, "must be a non-negative duration such as 5m")
		return 0
	}
	return d
}

// Err returns the collected errors, or nil.
func (q *Query) Err() error {
	if len(q.errs) == 0 {
		return nil
	}
	return q.errs
}
