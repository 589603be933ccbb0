// Package resolve turns rule element configuration values into concrete
// numbers and strings by looking up paths in the actor, item and rule
// documents.
//
// Two operations are provided:
//
//   - [Resolver.Injected] replaces {actor|path}, {item|path} and {rule|path}
//     tokens inside strings (labels, selectors, references).
//   - [Resolver.Value] resolves a value expression: a number, a formula over
//     @actor.path / @item.path / @rule.path references, or a bracketed value.
//
// Resolution never fails hard. A missing path or broken formula degrades to
// a neutral value (the caller's fallback, or the literal string) and is
// logged, so one malformed rule element cannot break unrelated statistics.
package resolve

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Context holds the documents paths are resolved against. Each entry is
// typically a map or struct that encodes to a JSON object.
type Context struct {
	Actor any
	Item  any
	Rule  any
}

// Resolver resolves values against a snapshot of a [Context]. The snapshot
// is taken at construction; later changes to the documents are not seen.
type Resolver struct {
	docs   map[string]gjson.Result
	logger *slog.Logger
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithLogger sets the logger diagnostics are written to. Defaults to
// [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New snapshots c.
func New(c Context, opts ...Option) *Resolver {
	r := &Resolver{
		docs:   make(map[string]gjson.Result, 3),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.docs["actor"] = r.snapshot("actor", c.Actor)
	r.docs["item"] = r.snapshot("item", c.Item)
	r.docs["rule"] = r.snapshot("rule", c.Rule)
	return r
}

func (r *Resolver) snapshot(name string, doc any) gjson.Result {
	if doc == nil {
		return gjson.Result{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		r.logger.Warn("resolve: snapshot failed", "document", name, "err", err)
		return gjson.Result{}
	}
	return gjson.ParseBytes(b)
}

// Lookup resolves path within the named document ("actor", "item" or
// "rule"). A path that does not exist at the document root is retried
// under its "system" object, so "abilities.str.mod" and
// "system.abilities.str.mod" are equivalent.
func (r *Resolver) Lookup(doc, path string) (gjson.Result, bool) {
	root, ok := r.docs[doc]
	if !ok || !root.Exists() {
		return gjson.Result{}, false
	}
	if res := root.Get(path); res.Exists() {
		return res, true
	}
	if res := root.Get("system." + path); res.Exists() {
		return res, true
	}
	return gjson.Result{}, false
}

// Number resolves a path to a number. Strings holding numbers and booleans
// are converted.
func (r *Resolver) Number(doc, path string) (float64, bool) {
	res, ok := r.Lookup(doc, path)
	if !ok {
		return 0, false
	}
	switch res.Type {
	case gjson.Number:
		return res.Float(), true
	case gjson.True:
		return 1, true
	case gjson.False:
		return 0, true
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(res.Str), 64)
		return v, err == nil
	}
	return 0, false
}

var injectedToken = regexp.MustCompile(`\{(actor|item|rule)\|([^{}]+)\}`)

// Injected replaces every {doc|path} token in s with the value found at
// path. Tokens that cannot be resolved are left untouched.
func (r *Resolver) Injected(s string) string {
	if !strings.Contains(s, "|") {
		return s
	}
	return injectedToken.ReplaceAllStringFunc(s, func(tok string) string {
		m := injectedToken.FindStringSubmatch(tok)
		res, ok := r.Lookup(m[1], m[2])
		if !ok || res.Type == gjson.Null {
			r.logger.Warn("resolve: failed to resolve injected property", "token", tok)
			return tok
		}
		return res.String()
	})
}

var pathReference = regexp.MustCompile(`@(actor|item|rule)\.([\w.\-]+)`)

// Value resolves expr to a number. expr may be a number, a bool, a numeric
// string, a formula string or a bracketed value object. Whenever resolution
// fails, fallback is returned.
func (r *Resolver) Value(expr any, fallback float64) float64 {
	v, err := r.value(expr)
	if err != nil {
		r.logger.Warn("resolve: value degraded to fallback", "expr", expr, "fallback", fallback, "err", err)
		return fallback
	}
	return v
}

func (r *Resolver) value(expr any) (float64, error) {
	switch v := expr.(type) {
	case nil:
		return 0, fmt.Errorf("no value")
	case float64:
		return finite(v)
	case float32:
		return finite(float64(v))
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, err
		}
		return finite(f)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return r.formula(v)
	case map[string]any:
		return r.bracketed(v)
	}
	return 0, fmt.Errorf("unsupported value type %T", expr)
}

func finite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("value is not finite")
	}
	return v, nil
}

func (r *Resolver) formula(s string) (float64, error) {
	s = strings.TrimSpace(r.Injected(s))
	if s == "" {
		return 0, fmt.Errorf("empty formula")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return finite(v)
	}

	var missing []string
	expr := pathReference.ReplaceAllStringFunc(s, func(ref string) string {
		m := pathReference.FindStringSubmatch(ref)
		n, ok := r.Number(m[1], m[2])
		if !ok {
			missing = append(missing, ref)
			return "0"
		}
		return "(" + strconv.FormatFloat(n, 'f', -1, 64) + ")"
	})
	if len(missing) > 0 {
		return 0, fmt.Errorf("unresolved references %v", missing)
	}
	return EvalFormula(expr)
}

// Bracket is one band of a bracketed value.
type Bracket struct {
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
	Value any      `json:"value"`
}

// bracketed resolves {field?: "actor|level", brackets: [...]} by picking the
// bracket whose inclusive [start, end] range contains the field's value.
func (r *Resolver) bracketed(m map[string]any) (float64, error) {
	rawBrackets, ok := m["brackets"].([]any)
	if !ok {
		return 0, fmt.Errorf("object value without brackets")
	}
	field := "actor|level"
	if f, ok := m["field"].(string); ok && f != "" {
		field = f
	}
	doc, path, ok := strings.Cut(field, "|")
	if !ok {
		return 0, fmt.Errorf("bracket field %q must have the form doc|path", field)
	}
	x, ok := r.Number(doc, path)
	if !ok {
		return 0, fmt.Errorf("bracket field %q not found", field)
	}

	for i, raw := range rawBrackets {
		bm, ok := raw.(map[string]any)
		if !ok {
			return 0, fmt.Errorf("brackets[%d] is not an object", i)
		}
		start, err := r.bound(bm["start"], math.Inf(-1))
		if err != nil {
			return 0, fmt.Errorf("brackets[%d].start: %w", i, err)
		}
		end, err := r.bound(bm["end"], math.Inf(1))
		if err != nil {
			return 0, fmt.Errorf("brackets[%d].end: %w", i, err)
		}
		if x >= start && x <= end {
			return r.value(bm["value"])
		}
	}
	return 0, fmt.Errorf("no bracket matches %s = %v", field, x)
}

func (r *Resolver) bound(v any, def float64) (float64, error) {
	if v == nil {
		return def, nil
	}
	return r.value(v)
}
