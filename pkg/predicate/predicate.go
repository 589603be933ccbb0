// Package predicate implements the Boolean proposition language used to gate
// rule elements against the current set of roll options.
//
// A predicate is built once from configuration with [Parse] and may then be
// evaluated any number of times, concurrently, with [Predicate.Test].
// Malformed trees are rejected by [Parse]; evaluation is total and free of
// side effects.
//
// Accepted shapes (as decoded from JSON or YAML):
//
//	"foo"                          atom, treated as {all: ["foo"]}
//	["foo", {not: "bar"}]          implicit conjunction, same as {all: [...]}
//	{all: [...], any: [...], not: [...]}
//	                               top-level quantifiers, jointly required
//
// Statements nest arbitrarily:
//
//	"tag"                          atom
//	{not: stmt}                    negation ({not: [...]} is joint denial)
//	{and: [...]} {or: [...]} {nor: [...]}
//	{if: stmt, then: stmt}         material conditional
package predicate

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// SyntaxError reports a malformed predicate tree. Path locates the offending
// node using slash-separated keys and indices.
type SyntaxError struct {
	Path string
	Msg  string
}

// Error implements error.
func (e *SyntaxError) Error() string {
	if e.Path == "" {
		return "predicate: " + e.Msg
	}
	return fmt.Sprintf("predicate: %s: %s", e.Path, e.Msg)
}

// Unwrap lets callers match any syntax error with errors.Is(err, ErrInvalid).
func (e *SyntaxError) Unwrap() error { return ErrInvalid }

type kind uint8

const (
	kindAtom kind = iota
	kindNot
	kindAnd
	kindOr
	kindNor
	kindIf
)

// node is one statement in the tree. Only the fields relevant to kind are set.
type node struct {
	kind     kind
	atom     string
	children []*node // and, or, nor; not holds exactly one child
	then     *node   // if: children[0] is the antecedent
}

func (n *node) eval(facts RollOptions) bool {
	switch n.kind {
	case kindAtom:
		return facts.Has(n.atom)
	case kindNot:
		return !n.children[0].eval(facts)
	case kindAnd:
		for _, c := range n.children {
			if !c.eval(facts) {
				return false
			}
		}
		return true
	case kindOr:
		for _, c := range n.children {
			if c.eval(facts) {
				return true
			}
		}
		return false
	case kindNor:
		for _, c := range n.children {
			if c.eval(facts) {
				return false
			}
		}
		return true
	case kindIf:
		return !n.children[0].eval(facts) || n.then.eval(facts)
	}
	return false
}

func (n *node) raw() any {
	switch n.kind {
	case kindAtom:
		return n.atom
	case kindNot:
		return map[string]any{"not": n.children[0].raw()}
	case kindAnd:
		return map[string]any{"and": rawList(n.children)}
	case kindOr:
		return map[string]any{"or": rawList(n.children)}
	case kindNor:
		return map[string]any{"nor": rawList(n.children)}
	case kindIf:
		return map[string]any{"if": n.children[0].raw(), "then": n.then.raw()}
	}
	return nil
}

func rawList(nodes []*node) []any {
	out := make([]any, len(nodes))
	for i, c := range nodes {
		out[i] = c.raw()
	}
	return out
}

// Predicate is an immutable, validated proposition tree. The nil *Predicate
// and the zero value are valid and always true.
type Predicate struct {
	all  []*node
	any  []*node
	not  []*node
	hasA bool // any was given explicitly, possibly empty
}

// Parse validates raw and builds a [Predicate]. raw is typically the result
// of decoding JSON or YAML into an interface value. A nil raw yields the
// always-true predicate.
func Parse(raw any) (*Predicate, error) {
	p := &Predicate{}
	switch v := raw.(type) {
	case nil:
		return p, nil
	case string:
		n, err := parseStatement(v, "")
		if err != nil {
			return nil, err
		}
		p.all = []*node{n}
		return p, nil
	case []any, []string:
		nodes, err := parseList(v, "all")
		if err != nil {
			return nil, err
		}
		p.all = nodes
		return p, nil
	case map[string]any:
		return parseTopLevel(v)
	case map[string][]any:
		m := make(map[string]any, len(v))
		for k, x := range v {
			m[k] = x
		}
		return parseTopLevel(m)
	case *Predicate:
		if v == nil {
			return p, nil
		}
		return v, nil
	}
	return nil, &SyntaxError{Msg: fmt.Sprintf("unsupported predicate type %T", raw)}
}

// MustParse is like [Parse] but panics on error. Intended for literals in
// code and tests.
func MustParse(raw any) *Predicate {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// IsValid reports whether raw describes a well-formed predicate.
func IsValid(raw any) bool {
	_, err := Parse(raw)
	return err == nil
}

func parseTopLevel(m map[string]any) (*Predicate, error) {
	if len(m) == 0 {
		return &Predicate{}, nil
	}
	quantifiers := 0
	for k := range m {
		switch k {
		case "all", "any", "not":
			quantifiers++
		}
	}
	if quantifiers == 0 {
		// A single compound statement such as {and: [...]} or {if, then}.
		n, err := parseStatement(m, "")
		if err != nil {
			return nil, err
		}
		return &Predicate{all: []*node{n}}, nil
	}
	if quantifiers != len(m) {
		return nil, &SyntaxError{Msg: fmt.Sprintf("cannot mix quantifiers with other keys: %v", sortedKeys(m))}
	}

	p := &Predicate{}
	var err error
	if v, ok := m["all"]; ok {
		if p.all, err = parseList(v, "all"); err != nil {
			return nil, err
		}
	}
	if v, ok := m["any"]; ok {
		if p.any, err = parseList(v, "any"); err != nil {
			return nil, err
		}
		p.hasA = true
	}
	if v, ok := m["not"]; ok {
		switch v.(type) {
		case []any, []string:
			if p.not, err = parseList(v, "not"); err != nil {
				return nil, err
			}
		default:
			n, err := parseStatement(v, "not")
			if err != nil {
				return nil, err
			}
			p.not = []*node{n}
		}
	}
	return p, nil
}

func parseList(raw any, path string) ([]*node, error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	default:
		return nil, &SyntaxError{Path: path, Msg: fmt.Sprintf("expected a list, got %T", raw)}
	}
	nodes := make([]*node, 0, len(items))
	for i, item := range items {
		n, err := parseStatement(item, fmt.Sprintf("%s/%d", path, i))
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseStatement(raw any, path string) (*node, error) {
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, &SyntaxError{Path: path, Msg: "atom must not be empty"}
		}
		return &node{kind: kindAtom, atom: v}, nil
	case map[string]any:
		return parseCompound(v, path)
	}
	return nil, &SyntaxError{Path: path, Msg: fmt.Sprintf("expected a string or an object, got %T", raw)}
}

func parseCompound(m map[string]any, path string) (*node, error) {
	_, hasIf := m["if"]
	_, hasThen := m["then"]
	if hasIf || hasThen {
		if len(m) != 2 || m["if"] == nil || m["then"] == nil {
			return nil, &SyntaxError{Path: path, Msg: "conditional requires exactly the keys if and then"}
		}
		ante, err := parseStatement(m["if"], join(path, "if"))
		if err != nil {
			return nil, err
		}
		cons, err := parseStatement(m["then"], join(path, "then"))
		if err != nil {
			return nil, err
		}
		return &node{kind: kindIf, children: []*node{ante}, then: cons}, nil
	}
	if len(m) != 1 {
		return nil, &SyntaxError{Path: path, Msg: fmt.Sprintf("compound statement must have exactly one key, got %v", sortedKeys(m))}
	}
	for key, v := range m {
		p := join(path, key)
		switch key {
		case "and", "or", "nor":
			children, err := parseList(v, p)
			if err != nil {
				return nil, err
			}
			k := map[string]kind{"and": kindAnd, "or": kindOr, "nor": kindNor}[key]
			return &node{kind: k, children: children}, nil
		case "not":
			switch v.(type) {
			case []any, []string:
				children, err := parseList(v, p)
				if err != nil {
					return nil, err
				}
				return &node{kind: kindNor, children: children}, nil
			}
			child, err := parseStatement(v, p)
			if err != nil {
				return nil, err
			}
			return &node{kind: kindNot, children: []*node{child}}, nil
		default:
			return nil, &SyntaxError{Path: path, Msg: fmt.Sprintf("unknown operator %q", key)}
		}
	}
	return nil, &SyntaxError{Path: path, Msg: "empty statement"}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "/" + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Test evaluates the predicate against facts. Every top-level quantifier that
// is present must hold: all of "all", at least one of "any", none of "not".
func (p *Predicate) Test(facts RollOptions) bool {
	if p == nil {
		return true
	}
	for _, n := range p.all {
		if !n.eval(facts) {
			return false
		}
	}
	if p.hasA {
		matched := false
		for _, n := range p.any {
			if n.eval(facts) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, n := range p.not {
		if n.eval(facts) {
			return false
		}
	}
	return true
}

// Evaluate reports whether p holds for facts.
func Evaluate(p *Predicate, facts RollOptions) bool {
	return p.Test(facts)
}

// IsEmpty reports whether p places no constraint at all.
func (p *Predicate) IsEmpty() bool {
	return p == nil || (len(p.all) == 0 && !p.hasA && len(p.not) == 0)
}

// Raw returns the normalized decoded form of p, suitable for re-encoding.
func (p *Predicate) Raw() any {
	if p.IsEmpty() {
		return []any{}
	}
	if !p.hasA && len(p.not) == 0 {
		return rawList(p.all)
	}
	m := make(map[string]any, 3)
	if len(p.all) > 0 {
		m["all"] = rawList(p.all)
	}
	if p.hasA {
		m["any"] = rawList(p.any)
	}
	if len(p.not) > 0 {
		m["not"] = rawList(p.not)
	}
	return m
}

// String returns the JSON encoding of p.
func (p *Predicate) String() string {
	b, err := json.Marshal(p.Raw())
	if err != nil {
		return "<invalid predicate>"
	}
	return string(b)
}

// MarshalJSON implements json.Marshaler.
func (p *Predicate) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Raw())
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("predicate: decode json: %w", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p *Predicate) MarshalYAML() (any, error) {
	return p.Raw(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Predicate) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("predicate: decode yaml: %w", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = *parsed
	return nil
}

// ErrInvalid is matched by every [SyntaxError].
var ErrInvalid = errors.New("predicate: invalid")

// Atom returns a predicate that holds iff option is present.
func Atom(option string) *Predicate {
	return &Predicate{all: []*node{{kind: kindAtom, atom: option}}}
}

// All returns a predicate requiring every option.
func All(options ...string) *Predicate {
	p := &Predicate{}
	for _, o := range options {
		p.all = append(p.all, &node{kind: kindAtom, atom: o})
	}
	return p
}

// Any returns a predicate requiring at least one option.
func Any(options ...string) *Predicate {
	p := &Predicate{hasA: true}
	for _, o := range options {
		p.any = append(p.any, &node{kind: kindAtom, atom: o})
	}
	return p
}

// None returns a predicate forbidding every option.
func None(options ...string) *Predicate {
	p := &Predicate{}
	for _, o := range options {
		p.not = append(p.not, &node{kind: kindAtom, atom: o})
	}
	return p
}
