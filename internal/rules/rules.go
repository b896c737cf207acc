// Package rules holds the immutable rule table mapping public resource names
// to upstream endpoint shapes, and the resolver that binds incoming path
// segments against it.
package rules

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/ursagate/internal/expr"
	"github.com/l0p7/ursagate/internal/templates"
)

// ErrNotFound reports a first path segment matching no loaded rule.
var ErrNotFound = errors.New("rules: unknown rule")

// ArityError reports a mismatch between the arguments a rule declares and the
// segments the client supplied. Extra segments are never silently dropped and
// missing ones are never padded.
type ArityError struct {
	Rule     string
	Expected int
	Received int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("rules: %s expects %d arguments, received %d", e.Rule, e.Expected, e.Received)
}

// Definition is a raw rule document as loaded from configuration.
type Definition struct {
	Name             string
	UpstreamTemplate string
	QueryArguments   []string
	TTL              time.Duration
	Filter           string
	Anonymous        bool
	Normalize        []string
}

// Rule is a validated, compiled rule. Immutable once the table is built.
type Rule struct {
	Name           string
	QueryArguments []string
	TTL            time.Duration
	Anonymous      bool
	Normalize      []string

	upstreamRaw  string
	upstreamTmpl *templates.Template
	filter       *expr.Program
}

// Arity reports how many positional arguments the rule requires.
func (r *Rule) Arity() int { return len(r.QueryArguments) }

// HasFilter reports whether a CEL filter gates this rule.
func (r *Rule) HasFilter() bool { return r.filter != nil }

// EvalFilter runs the rule's filter against the principal and bound
// arguments. Rules without a filter always pass.
func (r *Rule) EvalFilter(principal map[string]any, args map[string]string) (bool, error) {
	if r.filter == nil {
		return true, nil
	}
	if principal == nil {
		principal = map[string]any{}
	}
	if args == nil {
		args = map[string]string{}
	}
	return r.filter.EvalBool(map[string]any{"principal": principal, "args": args})
}

// Table is the process-wide rule set, read-only after construction.
type Table struct {
	rules map[string]*Rule
}

// NewTable validates and compiles rule definitions into an immutable table.
// Duplicate names are a hard error: the loader quarantines duplicates before
// this point, so seeing one here means the caller's invariant broke.
func NewTable(defs []Definition, env *expr.Environment, renderer *templates.Renderer) (*Table, error) {
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	table := &Table{rules: make(map[string]*Rule, len(defs))}
	for _, def := range defs {
		name := strings.Trim(def.Name, "/")
		if name == "" {
			return nil, errors.New("rules: rule name required")
		}
		if strings.Contains(name, "/") {
			return nil, fmt.Errorf("rules: rule name %q must be a single path segment", name)
		}
		if _, exists := table.rules[name]; exists {
			return nil, fmt.Errorf("rules: duplicate rule name %q", name)
		}
		if strings.TrimSpace(def.UpstreamTemplate) == "" {
			return nil, fmt.Errorf("rules: rule %q missing upstream template", name)
		}

		rule := &Rule{
			Name:           name,
			QueryArguments: append([]string(nil), def.QueryArguments...),
			TTL:            def.TTL,
			Anonymous:      def.Anonymous,
			Normalize:      append([]string(nil), def.Normalize...),
			upstreamRaw:    def.UpstreamTemplate,
		}

		if strings.Contains(def.UpstreamTemplate, "{{") {
			tmpl, err := renderer.CompileInline(name, def.UpstreamTemplate)
			if err != nil {
				return nil, fmt.Errorf("rules: rule %q: %w", name, err)
			}
			rule.upstreamTmpl = tmpl
		} else if _, err := parseUpstreamURL(def.UpstreamTemplate); err != nil {
			return nil, fmt.Errorf("rules: rule %q: %w", name, err)
		}

		if strings.TrimSpace(def.Filter) != "" {
			if env == nil {
				return nil, fmt.Errorf("rules: rule %q declares a filter but no expression environment is available", name)
			}
			program, err := env.Compile(def.Filter)
			if err != nil {
				return nil, fmt.Errorf("rules: rule %q: %w", name, err)
			}
			rule.filter = &program
		}

		table.rules[name] = rule
	}
	return table, nil
}

// Lookup returns the rule registered under name.
func (t *Table) Lookup(name string) (*Rule, bool) {
	rule, ok := t.rules[name]
	return rule, ok
}

// Names lists the loaded rule names, sorted for stable diagnostics output.
func (t *Table) Names() []string {
	out := make([]string, 0, len(t.rules))
	for name := range t.rules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of loaded rules.
func (t *Table) Len() int { return len(t.rules) }

// Resolved is a fully bound request: the matched rule, its positional
// argument values, the upstream URL, and the cache key. The cache key is a
// pure function of rule name plus ordered argument values; client identity
// never contributes to it.
type Resolved struct {
	Rule        *Rule
	Args        []string
	CacheKey    string
	UpstreamURL string
}

// ArgsByName binds argument values to the rule's declared names, preserving
// positional order.
func (res *Resolved) ArgsByName() map[string]string {
	out := make(map[string]string, len(res.Args))
	for i, name := range res.Rule.QueryArguments {
		out[name] = res.Args[i]
	}
	return out
}

// Resolve matches path segments [name, arg1, arg2, ...] against the table.
// Pure: no side effects, deterministic for a given table.
func (t *Table) Resolve(segments []string) (*Resolved, error) {
	if len(segments) == 0 || segments[0] == "" {
		return nil, ErrNotFound
	}
	rule, ok := t.rules[segments[0]]
	if !ok {
		return nil, ErrNotFound
	}
	args := segments[1:]
	if len(args) != rule.Arity() {
		return nil, &ArityError{Rule: rule.Name, Expected: rule.Arity(), Received: len(args)}
	}

	resolved := &Resolved{
		Rule:     rule,
		Args:     append([]string(nil), args...),
		CacheKey: cacheKey(rule.Name, args),
	}

	upstream, err := rule.upstreamURL(resolved)
	if err != nil {
		return nil, err
	}
	resolved.UpstreamURL = upstream
	return resolved, nil
}

// cacheKey composes the deterministic cache identity. Built from bound values
// rather than the raw path so equivalent requests with superfluous formatting
// still collide correctly.
func cacheKey(name string, args []string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, arg := range args {
		b.WriteByte(':')
		b.WriteString(arg)
	}
	return b.String()
}

// upstreamURL renders the rule's template (when it has template actions) and
// appends the bound values as query parameters in declaration order.
func (r *Rule) upstreamURL(res *Resolved) (string, error) {
	base := r.upstreamRaw
	if r.upstreamTmpl != nil {
		rendered, err := r.upstreamTmpl.Render(map[string]any{"args": res.ArgsByName()})
		if err != nil {
			return "", fmt.Errorf("rules: rule %q: %w", r.Name, err)
		}
		base = rendered
	}
	parsed, err := parseUpstreamURL(base)
	if err != nil {
		return "", fmt.Errorf("rules: rule %q: %w", r.Name, err)
	}

	if len(res.Args) > 0 {
		var query strings.Builder
		if parsed.RawQuery != "" {
			query.WriteString(parsed.RawQuery)
		}
		for i, name := range r.QueryArguments {
			if query.Len() > 0 {
				query.WriteByte('&')
			}
			query.WriteString(url.QueryEscape(name))
			query.WriteByte('=')
			query.WriteString(url.QueryEscape(res.Args[i]))
		}
		parsed.RawQuery = query.String()
	}
	return parsed.String(), nil
}

func parseUpstreamURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must be http or https", raw)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("upstream url %q missing host", raw)
	}
	return parsed, nil
}
