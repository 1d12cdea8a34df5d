// Package expr evaluates the restricted expression language embedded in
// node parameters: {{ $json.field }}, {{ $node["Name"].json.field }},
// {{ $vars.x }}, {{ $local.x }}, {{ $now }}, {{ $itemIndex }}, plus
// literals and dot/bracket member access. The grammar is deliberately
// small; it is a path language, not a code evaluator.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fluxion-engine/fluxion/types"
)

// Env supplies the values expressions can reference. Expressions are
// resolved independently per item index.
type Env struct {
	// JSON is the current input item ($json).
	JSON types.Item
	// Node resolves a named upstream node's output item ($node["Name"]).
	Node func(name string) (types.Item, bool)
	// Vars holds workflow-scoped variables ($vars).
	Vars map[string]any
	// Local holds run-scoped variables ($local).
	Local map[string]any
	// Now is the evaluation timestamp ($now).
	Now time.Time
	// ItemIndex is the current item index ($itemIndex).
	ItemIndex int
}

// Resolve walks an arbitrary parameter value and evaluates embedded
// expressions. Strings consisting of a single {{ }} segment keep the
// evaluated type; mixed strings are concatenated as text. Maps and slices
// are resolved recursively.
func Resolve(value any, env *Env) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, el := range v {
			r, err := Resolve(el, env)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case types.Item:
		r, err := Resolve(map[string]any(v), env)
		if err != nil {
			return nil, err
		}
		return types.Item(r.(map[string]any)), nil
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			r, err := Resolve(el, env)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, env *Env) (any, error) {
	open := strings.Index(s, "{{")
	if open < 0 {
		return s, nil
	}

	// Whole-string single expression keeps its evaluated type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Index(trimmed[2:], "{{") < 0 {
		return Eval(strings.TrimSpace(trimmed[2:len(trimmed)-2]), env)
	}

	var b strings.Builder
	rest := s
	for {
		open = strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+2:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx < 0 {
			return nil, types.NewError(types.ErrKindValidation, "unterminated expression: missing }}")
		}
		val, err := Eval(strings.TrimSpace(rest[:closeIdx]), env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[closeIdx+2:]
	}
}

// Eval evaluates a single expression (without surrounding braces).
func Eval(src string, env *Env) (any, error) {
	p := &parser{lex: newLexer(src), env: env}
	val, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if tok := p.lex.next(); tok.kind != tokEOF {
		return nil, types.Errorf(types.ErrKindValidation, "unexpected %q in expression %q", tok.text, src)
	}
	return val, nil
}

type parser struct {
	lex *lexer
	env *Env
}

func (p *parser) parseExpression() (any, error) {
	root, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parseTrailers(root)
}

func (p *parser) parsePrimary() (any, error) {
	tok := p.lex.next()
	switch tok.kind {
	case tokIdent:
		switch tok.text {
		case "$json":
			return p.env.JSON, nil
		case "$vars":
			return p.env.Vars, nil
		case "$local":
			return p.env.Local, nil
		case "$now":
			return p.env.Now, nil
		case "$itemIndex":
			return p.env.ItemIndex, nil
		case "$node":
			return p.parseNodeRef()
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null":
			return nil, nil
		default:
			return nil, types.Errorf(types.ErrKindValidation, "unknown identifier %q in expression", tok.text)
		}
	case tokString:
		return tok.text, nil
	case tokNumber:
		if f, err := strconv.ParseFloat(tok.text, 64); err == nil {
			return f, nil
		}
		return nil, types.Errorf(types.ErrKindValidation, "invalid number %q", tok.text)
	default:
		return nil, types.Errorf(types.ErrKindValidation, "unexpected token %q in expression", tok.text)
	}
}

// parseNodeRef handles $node["Name"] and the conventional .json accessor
// that follows it.
func (p *parser) parseNodeRef() (any, error) {
	if tok := p.lex.next(); tok.kind != tokLBracket {
		return nil, types.NewError(types.ErrKindValidation, "$node requires a bracketed node name")
	}
	nameTok := p.lex.next()
	if nameTok.kind != tokString {
		return nil, types.NewError(types.ErrKindValidation, "$node name must be a quoted string")
	}
	if tok := p.lex.next(); tok.kind != tokRBracket {
		return nil, types.NewError(types.ErrKindValidation, "$node reference is missing ]")
	}
	if p.env.Node == nil {
		return nil, types.Errorf(types.ErrKindValidation, "no upstream data available for node %q", nameTok.text)
	}
	item, ok := p.env.Node(nameTok.text)
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "referenced node %q has no output", nameTok.text)
	}
	// $node["Name"].json.x reads from the node's output item.
	return map[string]any{"json": map[string]any(item)}, nil
}

func (p *parser) parseTrailers(val any) (any, error) {
	for {
		switch tok := p.lex.peek(); tok.kind {
		case tokDot:
			p.lex.next()
			field := p.lex.next()
			if field.kind != tokIdent {
				return nil, types.Errorf(types.ErrKindValidation, "expected field name after '.', got %q", field.text)
			}
			next, err := member(val, field.text)
			if err != nil {
				return nil, err
			}
			val = next
		case tokLBracket:
			p.lex.next()
			key := p.lex.next()
			var next any
			var err error
			switch key.kind {
			case tokString:
				next, err = member(val, key.text)
			case tokNumber:
				idx, convErr := strconv.Atoi(key.text)
				if convErr != nil {
					return nil, types.Errorf(types.ErrKindValidation, "invalid index %q", key.text)
				}
				next, err = index(val, idx)
			default:
				return nil, types.Errorf(types.ErrKindValidation, "invalid subscript %q", key.text)
			}
			if err != nil {
				return nil, err
			}
			if tok := p.lex.next(); tok.kind != tokRBracket {
				return nil, types.NewError(types.ErrKindValidation, "subscript is missing ]")
			}
			val = next
		default:
			return val, nil
		}
	}
}

func member(val any, field string) (any, error) {
	switch m := val.(type) {
	case map[string]any:
		return m[field], nil
	case types.Item:
		return m[field], nil
	case nil:
		return nil, nil
	default:
		return nil, types.Errorf(types.ErrKindValidation, "cannot access field %q on %T", field, val)
	}
}

func index(val any, i int) (any, error) {
	switch s := val.(type) {
	case []any:
		if i < 0 || i >= len(s) {
			return nil, nil
		}
		return s[i], nil
	case types.Batch:
		if i < 0 || i >= len(s) {
			return nil, nil
		}
		return s[i], nil
	case nil:
		return nil, nil
	default:
		return nil, types.Errorf(types.ErrKindValidation, "cannot index %T", val)
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
