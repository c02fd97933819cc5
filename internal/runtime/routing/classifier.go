package routing

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/l0p7/bixworker/internal/expr"
)

// Kind is the routing class of an intercepted request.
type Kind string

const (
	KindBypass     Kind = "bypass"
	KindNavigation Kind = "navigation"
	KindStatic     Kind = "static"
)

// Classifier decides whether a GET request is a page navigation using a CEL
// rule evaluated against the request.
type Classifier struct {
	program expr.Program
	scope   string
}

// NewClassifier compiles rule. scope is exposed to the rule as request.scope.
func NewClassifier(rule, scope string) (*Classifier, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(rule)
	if err != nil {
		return nil, fmt.Errorf("routing: navigation rule: %w", err)
	}
	return &Classifier{program: program, scope: scope}, nil
}

// Classify returns the request kind. Non-GET requests are always bypassed;
// a rule evaluation error falls back to static, the conservative strategy
// for a request that cannot be identified as a page load.
func (c *Classifier) Classify(r *http.Request, target string) (Kind, error) {
	if r.Method != http.MethodGet {
		return KindBypass, nil
	}
	navigation, err := c.program.EvalBool(map[string]any{"request": c.activation(r, target)})
	if err != nil {
		return KindStatic, err
	}
	if navigation {
		return KindNavigation, nil
	}
	return KindStatic, nil
}

// Rule returns the rule source.
func (c *Classifier) Rule() string {
	return c.program.Source()
}

func (c *Classifier) activation(r *http.Request, target string) map[string]any {
	headers := make(map[string]any, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return map[string]any{
		"method":  r.Method,
		"path":    r.URL.Path,
		"url":     target,
		"mode":    r.Header.Get("Sec-Fetch-Mode"),
		"dest":    r.Header.Get("Sec-Fetch-Dest"),
		"accept":  r.Header.Get("Accept"),
		"headers": headers,
		"scope":   c.scope,
	}
}
