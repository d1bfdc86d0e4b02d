package cel

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/portalguard/internal/domain/offline"
)

// NewRequestEnvironment creates the CEL environment for offline request
// rules. It exposes a single "request" map with the keys:
//   - method: upper-case HTTP method
//   - url: the full request URL
//   - host, path, query: parsed from url
//   - headers: map of canonical header name to first value
//   - body_size: body length in bytes
//
// and the custom function glob(pattern, value).
func NewRequestEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),

		// glob: shell-style pattern matching, e.g. glob("/orders/*", request.path)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					v, ok2 := value.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),
	)
}

// BuildActivation converts a draft into the variables seen by rules.
func BuildActivation(d offline.Draft) map[string]any {
	req := map[string]any{
		"method":    strings.ToUpper(d.Method),
		"url":       d.URL,
		"host":      "",
		"path":      "",
		"query":     "",
		"headers":   map[string]string{},
		"body_size": int64(len(d.Body)),
	}
	if u, err := url.Parse(d.URL); err == nil {
		req["host"] = u.Hostname()
		req["path"] = u.Path
		req["query"] = u.RawQuery
	}
	headers := make(map[string]string, len(d.Header))
	for k, v := range d.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	req["headers"] = headers
	return map[string]any{"request": req}
}
