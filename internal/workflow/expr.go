package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/autopr/autopr/internal/errkind"
)

// The step condition language: boolean and arithmetic operators, literals,
// dotted field access on prior outputs and workflow inputs, and a fixed set
// of helpers (len, contains, in). No arbitrary code.
//
//	expr    ::= or
//	or      ::= and ( '||' and )*
//	and     ::= cmp ( '&&' cmp )*
//	cmp     ::= add ( ('=='|'!='|'<'|'<='|'>'|'>=') add )?
//	add     ::= mul ( ('+'|'-') mul )*
//	mul     ::= unary ( ('*'|'/') unary )*
//	unary   ::= '!' unary | '-' unary | primary
//	primary ::= number | string | bool | path | helper '(' args ')' | '(' expr ')'

// Resolver resolves a dotted path (e.g. steps.fetch.outputs.files) to a
// value. The second return is false when the path does not exist.
type Resolver func(path []string) (any, bool)

type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// ParseExpr compiles an expression. Syntax errors are InvalidWorkflow.
func ParseExpr(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return &Expr{src: src, root: boolLit(true)}, nil
	}
	toks, err := scan(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, errkind.New(errkind.InvalidWorkflow, "expression %q: trailing input at %q", src, p.peek().text)
	}
	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the expression. Missing paths are UnresolvedReference.
func (e *Expr) Eval(resolve Resolver) (any, error) {
	if e == nil || e.root == nil {
		return true, nil
	}
	return e.root.eval(resolve)
}

// EvalBool evaluates and coerces to a boolean condition result.
func (e *Expr) EvalBool(resolve Resolver) (bool, error) {
	v, err := e.Eval(resolve)
	if err != nil {
		return false, err
	}
	b, ok := truthy(v)
	if !ok {
		return false, errkind.New(errkind.InvalidWorkflow, "expression %q: non-boolean result %T", e.src, v)
	}
	return b, nil
}

// Paths returns every dotted path referenced by the expression. Used for
// dependency extraction and load-time reference checking.
func (e *Expr) Paths() [][]string {
	if e == nil || e.root == nil {
		return nil
	}
	var out [][]string
	collectPaths(e.root, &out)
	return out
}

// --- scanner ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokKind
	text string
}

func scan(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, errkind.New(errkind.InvalidWorkflow, "unterminated string in %q", src)
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>&|+-*/", rune(c)):
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				toks = append(toks, token{tokOp, two})
				i += 2
			default:
				switch c {
				case '<', '>', '!', '+', '-', '*', '/':
					toks = append(toks, token{tokOp, string(c)})
					i++
				default:
					return nil, errkind.New(errkind.InvalidWorkflow, "unexpected %q in expression %q", string(c), src)
				}
			}
		case c >= '0' && c <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.' || src[j] == '-') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			return nil, errkind.New(errkind.InvalidWorkflow, "unexpected %q in expression %q", string(c), src)
		}
	}
	toks = append(toks, token{tokEOF, ""})
	return toks, nil
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
	src  string
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) eof() bool   { return p.peek().kind == tokEOF }

func (p *parser) accept(kind tokKind, text string) bool {
	t := p.peek()
	if t.kind == kind && (text == "" || t.text == text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOp, "&&") {
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			return &binNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdd() (node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "+" || t.text == "-") {
			p.next()
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left = &binNode{op: t.text, left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseMul() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind == tokOp && (t.text == "*" || t.text == "/") {
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &binNode{op: t.text, left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept(tokOp, "!") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	if p.accept(tokOp, "-") {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

var helpers = map[string]int{"len": 1, "contains": 2, "in": 2}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, errkind.New(errkind.InvalidWorkflow, "bad number %q in %q", t.text, p.src)
		}
		return numLit(f), nil
	case tokString:
		return strLit(t.text), nil
	case tokIdent:
		switch t.text {
		case "true":
			return boolLit(true), nil
		case "false":
			return boolLit(false), nil
		}
		if argc, ok := helpers[t.text]; ok && p.peek().kind == tokLParen {
			p.next()
			var args []node
			if p.peek().kind != tokRParen {
				for {
					a, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					args = append(args, a)
					if p.accept(tokComma, "") {
						continue
					}
					break
				}
			}
			if !p.accept(tokRParen, "") {
				return nil, errkind.New(errkind.InvalidWorkflow, "missing ')' after %s(...) in %q", t.text, p.src)
			}
			if len(args) != argc {
				return nil, errkind.New(errkind.InvalidWorkflow, "%s expects %d argument(s), got %d", t.text, argc, len(args))
			}
			return &callNode{name: t.text, args: args}, nil
		}
		if p.peek().kind == tokLParen {
			return nil, errkind.New(errkind.InvalidWorkflow, "unknown helper %q in %q", t.text, p.src)
		}
		return &pathNode{path: strings.Split(t.text, ".")}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen, "") {
			return nil, errkind.New(errkind.InvalidWorkflow, "missing ')' in %q", p.src)
		}
		return inner, nil
	default:
		return nil, errkind.New(errkind.InvalidWorkflow, "unexpected %q in expression %q", t.text, p.src)
	}
}

// --- evaluation ---

type node interface {
	eval(resolve Resolver) (any, error)
}

type litNode struct{ v any }

func (n litNode) eval(Resolver) (any, error) { return n.v, nil }

func numLit(f float64) node { return litNode{v: f} }
func strLit(s string) node  { return litNode{v: s} }
func boolLit(b bool) node   { return litNode{v: b} }

type pathNode struct{ path []string }

func (n *pathNode) eval(resolve Resolver) (any, error) {
	if resolve == nil {
		return nil, errkind.New(errkind.UnresolvedReference, "no resolver for %s", strings.Join(n.path, "."))
	}
	v, ok := resolve(n.path)
	if !ok {
		return nil, errkind.New(errkind.UnresolvedReference, "unresolved reference: %s", strings.Join(n.path, "."))
	}
	return v, nil
}

type notNode struct{ inner node }

func (n *notNode) eval(resolve Resolver) (any, error) {
	v, err := n.inner.eval(resolve)
	if err != nil {
		return nil, err
	}
	b, ok := truthy(v)
	if !ok {
		return nil, errkind.New(errkind.InvalidWorkflow, "! applied to non-boolean %T", v)
	}
	return !b, nil
}

type negNode struct{ inner node }

func (n *negNode) eval(resolve Resolver) (any, error) {
	v, err := n.inner.eval(resolve)
	if err != nil {
		return nil, err
	}
	f, ok := asNumber(v)
	if !ok {
		return nil, errkind.New(errkind.InvalidWorkflow, "- applied to non-number %T", v)
	}
	return -f, nil
}

type binNode struct {
	op          string
	left, right node
}

func (n *binNode) eval(resolve Resolver) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		lv, err := n.left.eval(resolve)
		if err != nil {
			return nil, err
		}
		lb, ok := truthy(lv)
		if !ok {
			return nil, errkind.New(errkind.InvalidWorkflow, "%s applied to non-boolean %T", n.op, lv)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		rv, err := n.right.eval(resolve)
		if err != nil {
			return nil, err
		}
		rb, ok := truthy(rv)
		if !ok {
			return nil, errkind.New(errkind.InvalidWorkflow, "%s applied to non-boolean %T", n.op, rv)
		}
		return rb, nil
	}

	lv, err := n.left.eval(resolve)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(resolve)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	}

	lf, lok := asNumber(lv)
	rf, rok := asNumber(rv)
	if n.op == "+" && !lok && !rok {
		// String concatenation.
		ls, lsok := lv.(string)
		rs, rsok := rv.(string)
		if lsok && rsok {
			return ls + rs, nil
		}
	}
	if !lok || !rok {
		return nil, errkind.New(errkind.InvalidWorkflow, "%s requires numbers, got %T and %T", n.op, lv, rv)
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, errkind.New(errkind.InvalidWorkflow, "division by zero")
		}
		return lf / rf, nil
	}
	return nil, errkind.New(errkind.InvalidWorkflow, "unknown operator %q", n.op)
}

type callNode struct {
	name string
	args []node
}

func (n *callNode) eval(resolve Resolver) (any, error) {
	vals := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(resolve)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	switch n.name {
	case "len":
		switch v := vals[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, errkind.New(errkind.InvalidWorkflow, "len of %T", vals[0])
		}
	case "contains":
		switch v := vals[0].(type) {
		case string:
			s, ok := vals[1].(string)
			if !ok {
				return nil, errkind.New(errkind.InvalidWorkflow, "contains(string, %T)", vals[1])
			}
			return strings.Contains(v, s), nil
		case []any:
			for _, item := range v {
				if looseEqual(item, vals[1]) {
					return true, nil
				}
			}
			return false, nil
		default:
			return nil, errkind.New(errkind.InvalidWorkflow, "contains on %T", vals[0])
		}
	case "in":
		list, ok := vals[1].([]any)
		if !ok {
			return nil, errkind.New(errkind.InvalidWorkflow, "in(x, %T): second argument must be a list", vals[1])
		}
		for _, item := range list {
			if looseEqual(vals[0], item) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, errkind.New(errkind.InvalidWorkflow, "unknown helper %q", n.name)
}

func collectPaths(n node, out *[][]string) {
	switch t := n.(type) {
	case *pathNode:
		*out = append(*out, t.path)
	case *notNode:
		collectPaths(t.inner, out)
	case *negNode:
		collectPaths(t.inner, out)
	case *binNode:
		collectPaths(t.left, out)
		collectPaths(t.right, out)
	case *callNode:
		for _, a := range t.args {
			collectPaths(a, out)
		}
	}
}

func truthy(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asNumber widens every numeric representation that survives JSON/yaml
// decoding to float64.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	if af, ok := asNumber(a); ok {
		if bf, ok := asNumber(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}
