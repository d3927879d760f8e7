// Package correlation pulls request and trace identifiers out of model
// endpoint responses so failed planning calls can be matched against the
// provider's own logs.
package correlation

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Key types.
const (
	TypeRequestID     = "request_id"
	TypeCorrelationID = "correlation_id"
	TypeTraceID       = "trace_id"
	TypeEdgeID        = "edge_id"
)

// Key is one normalized identifier.
type Key struct {
	Type  string
	Value string
}

func (k Key) String() string { return k.Type + "=" + k.Value }

var (
	traceparentPattern = regexp.MustCompile(`(?i)^([0-9a-f]{2})-([0-9a-f]{32})-([0-9a-f]{16})-([0-9a-f]{2})$`)
	b3SinglePattern    = regexp.MustCompile(`(?i)^([0-9a-f]{16,32})-[0-9a-f]{16}(?:-[01d](?:-[0-9a-f]{16})?)?$`)

	// Error bodies sometimes echo the request id, e.g. "request ID req_abc123".
	bodyRequestID = regexp.MustCompile(`(?i)\brequest[ _-]?id\b["']?\s*[:=]?\s*["']?([a-z0-9][a-z0-9._:\-]{5,127})`)
)

var headerTypes = map[string]string{
	"x-request-id":     TypeRequestID,
	"request-id":       TypeRequestID,
	"x-amzn-requestid": TypeRequestID,
	"apim-request-id":  TypeRequestID,
	"x-correlation-id": TypeCorrelationID,
	"correlation-id":   TypeCorrelationID,
	"x-trace-id":       TypeTraceID,
	"x-b3-traceid":     TypeTraceID,
	"cf-ray":           TypeEdgeID,
	"x-amz-cf-id":      TypeEdgeID,
	"x-azure-ref":      TypeEdgeID,
}

// FromHeader extracts keys from a single response header.
func FromHeader(name, value string) []Key {
	name = strings.ToLower(strings.TrimSpace(name))
	value = normalize(value)
	if name == "" || value == "" {
		return nil
	}

	switch name {
	case "traceparent":
		if m := traceparentPattern.FindStringSubmatch(value); m != nil {
			return []Key{{Type: TypeTraceID, Value: m[2]}}
		}
		return nil
	case "b3":
		if m := b3SinglePattern.FindStringSubmatch(value); m != nil {
			return []Key{{Type: TypeTraceID, Value: m[1]}}
		}
		return nil
	}
	if typ, ok := headerTypes[name]; ok {
		return []Key{{Type: typ, Value: value}}
	}
	return nil
}

// FromHeaders extracts keys from every header in h. The result is sorted by
// header name so log output is stable.
func FromHeaders(h http.Header) []Key {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var keys []Key
	for _, name := range names {
		for _, v := range h[name] {
			keys = append(keys, FromHeader(name, v)...)
		}
	}
	return dedupe(keys)
}

// FromBody extracts request ids quoted in an error body.
func FromBody(body string) []Key {
	var keys []Key
	for _, m := range bodyRequestID.FindAllStringSubmatch(body, -1) {
		if v := normalize(m[1]); v != "" {
			keys = append(keys, Key{Type: TypeRequestID, Value: v})
		}
	}
	return dedupe(keys)
}

// Field renders keys as a single zap field.
func Field(keys []Key) zap.Field {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return zap.Strings("correlation", out)
}

func normalize(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.Trim(v, "\"'`")
	return strings.TrimRight(v, ".,;:)]}")
}

func dedupe(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if k.Type == "" || k.Value == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
