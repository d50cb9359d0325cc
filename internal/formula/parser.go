// Package formula implements the alpha-formula language: a small expression
// grammar over named operators and price/volume columns, parsed into an
// immutable tree and evaluated against a panel of instrument history.
//
// Syntax is name(arg, arg, ...) with arbitrary nesting. Window and
// percentile parameters are encoded in the operator name itself:
// logret_1(), volatility_24(close), ls_10/90(expr), mac_12/48(expr).
package formula

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError describes a malformed formula. It is produced before any panel
// data is touched.
type ParseError struct {
	Pos   int    // byte offset of the offending token
	Token string // offending token text (empty at end of input)
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("formula: %s at offset %d", e.Msg, e.Pos)
	}
	return fmt.Sprintf("formula: %s: %q at offset %d", e.Msg, e.Token, e.Pos)
}

// ---------------------------------------------------------------------------
// Operator table
// ---------------------------------------------------------------------------

// suffixKind describes the window/percentile parameters an operator name
// carries after its base name.
type suffixKind int

const (
	suffixNone   suffixKind = iota // cs_rank, abs, div, ...
	suffixWindow                   // logret_N, mean_N, ts_rank_N, ...
	suffixPair                     // ls_P1/P2, mac_N1/N2
)

// opSpec declares one operator's name, parameter suffix, and arity range.
type opSpec struct {
	name    string
	suffix  suffixKind
	minArgs int
	maxArgs int
}

// ops is the full operator table. Unary windowed and cross-sectional
// operators accept zero arguments, defaulting to the close column.
var ops = map[string]opSpec{
	"logret":     {name: "logret", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"volatility": {name: "volatility", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"mean":       {name: "mean", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"max":        {name: "max", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"min":        {name: "min", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"ts_rank":    {name: "ts_rank", suffix: suffixWindow, minArgs: 0, maxArgs: 1},
	"cs_rank":    {name: "cs_rank", suffix: suffixNone, minArgs: 0, maxArgs: 1},
	"ls":         {name: "ls", suffix: suffixPair, minArgs: 0, maxArgs: 1},
	"mac":        {name: "mac", suffix: suffixPair, minArgs: 0, maxArgs: 1},
	"abs":        {name: "abs", suffix: suffixNone, minArgs: 1, maxArgs: 1},
	"sign":       {name: "sign", suffix: suffixNone, minArgs: 1, maxArgs: 1},
	"log":        {name: "log", suffix: suffixNone, minArgs: 1, maxArgs: 1},
	"div":        {name: "div", suffix: suffixNone, minArgs: 2, maxArgs: 2},
	"mult":       {name: "mult", suffix: suffixNone, minArgs: 2, maxArgs: 2},
	"plus":       {name: "plus", suffix: suffixNone, minArgs: 2, maxArgs: 2},
	"minus":      {name: "minus", suffix: suffixNone, minArgs: 2, maxArgs: 2},
}

// columns are the panel input fields usable as leaf references.
var columns = map[string]bool{
	"open":   true,
	"high":   true,
	"low":    true,
	"close":  true,
	"volume": true,
}

// ---------------------------------------------------------------------------
// AST
// ---------------------------------------------------------------------------

type nodeKind int

const (
	nodeCall nodeKind = iota
	nodeColumn
	nodeNumber
)

// Node is one vertex of a parsed formula tree. Trees are immutable after
// Parse returns.
type Node struct {
	kind   nodeKind
	op     opSpec
	n1, n2 int // window / percentile parameters from the name suffix
	args   []*Node
	column string
	number float64
}

// ---------------------------------------------------------------------------
// Tokenizer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// tokenize splits the input into identifier, number, and punctuation tokens.
// Identifiers may contain digits, underscores, and slashes so that suffixed
// operator names like ls_10/90 scan as a single token.
func tokenize(text string) ([]token, *ParseError) {
	var toks []token
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c >= '0' && c <= '9' || c == '-' || c == '.':
			start := i
			i++
			for i < len(text) && (text[i] >= '0' && text[i] <= '9' || text[i] == '.') {
				i++
			}
			toks = append(toks, token{tokNumber, text[start:i], start})
		case unicode.IsLetter(rune(c)) || c == '_':
			start := i
			for i < len(text) && (unicode.IsLetter(rune(text[i])) || unicode.IsDigit(rune(text[i])) || text[i] == '_' || text[i] == '/') {
				i++
			}
			toks = append(toks, token{tokIdent, text[start:i], start})
		default:
			return nil, &ParseError{Pos: i, Token: string(c), Msg: "unexpected character"}
		}
	}
	toks = append(toks, token{tokEOF, "", len(text)})
	return toks, nil
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }
func (p *parser) next() token { t := p.toks[p.i]; p.i++; return t }

// Parse validates and builds the expression tree for a formula. All
// structural errors (unbalanced delimiters, unknown operator names, wrong
// arity, malformed suffixes) are caught here, before evaluation.
func Parse(text string) (*Node, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Pos: 0, Msg: "empty formula"}
	}
	toks, perr := tokenize(text)
	if perr != nil {
		return nil, perr
	}
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, &ParseError{Pos: t.pos, Token: t.text, Msg: "trailing input"}
	}
	return node, nil
}

func (p *parser) parseExpr() (*Node, *ParseError) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Token: t.text, Msg: "invalid number"}
		}
		return &Node{kind: nodeNumber, number: v}, nil

	case tokIdent:
		if p.peek().kind != tokLParen {
			// Leaf reference to an input column.
			if !columns[t.text] {
				return nil, &ParseError{Pos: t.pos, Token: t.text, Msg: "unknown column"}
			}
			return &Node{kind: nodeColumn, column: t.text}, nil
		}
		return p.parseCall(t)

	case tokEOF:
		return nil, &ParseError{Pos: t.pos, Msg: "unexpected end of formula"}
	default:
		return nil, &ParseError{Pos: t.pos, Token: t.text, Msg: "unexpected token"}
	}
}

// parseCall parses name(args...) where name has already been consumed.
func (p *parser) parseCall(name token) (*Node, *ParseError) {
	spec, n1, n2, perr := resolveOp(name)
	if perr != nil {
		return nil, perr
	}

	p.next() // consume '('
	var args []*Node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			t := p.peek()
			if t.kind == tokComma {
				p.next()
				continue
			}
			break
		}
	}
	t := p.next()
	if t.kind != tokRParen {
		return nil, &ParseError{Pos: t.pos, Token: t.text, Msg: "expected closing parenthesis"}
	}

	if len(args) < spec.minArgs || len(args) > spec.maxArgs {
		return nil, &ParseError{
			Pos:   name.pos,
			Token: name.text,
			Msg:   fmt.Sprintf("operator %s takes %d to %d arguments, got %d", spec.name, spec.minArgs, spec.maxArgs, len(args)),
		}
	}

	// Zero-argument unary operators default to the close column.
	if len(args) == 0 && spec.maxArgs == 1 {
		args = []*Node{{kind: nodeColumn, column: "close"}}
	}

	return &Node{kind: nodeCall, op: spec, n1: n1, n2: n2, args: args}, nil
}

// resolveOp splits an operator token into its base name and suffix
// parameters, then validates both against the operator table.
func resolveOp(t token) (opSpec, int, int, *ParseError) {
	// Exact match first (cs_rank, abs, div, ...).
	if spec, ok := ops[t.text]; ok && spec.suffix == suffixNone {
		return spec, 0, 0, nil
	}

	// Suffixed form: <base>_<N> or <base>_<N1>/<N2>. The base may itself
	// contain underscores (ts_rank), so try the longest matching base.
	best := -1
	for base, spec := range ops {
		if spec.suffix == suffixNone {
			continue
		}
		if strings.HasPrefix(t.text, base+"_") && len(base) > best {
			best = len(base)
		}
	}
	if best < 0 {
		return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "unknown operator"}
	}
	base := t.text[:best]
	spec := ops[base]
	suffix := t.text[best+1:]

	switch spec.suffix {
	case suffixWindow:
		n, err := strconv.Atoi(suffix)
		if err != nil || n <= 0 {
			return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "invalid window"}
		}
		return spec, n, 0, nil
	default: // suffixPair
		a, b, ok := strings.Cut(suffix, "/")
		if !ok {
			return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "operator requires two parameters (e.g. " + base + "_10/90)"}
		}
		n1, err1 := strconv.Atoi(a)
		n2, err2 := strconv.Atoi(b)
		if err1 != nil || err2 != nil || n1 < 0 || n2 < 0 {
			return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "invalid parameters"}
		}
		if spec.name == "ls" && (n1 > 100 || n2 > 100 || n1 > n2) {
			return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "percentiles must satisfy 0 <= P1 <= P2 <= 100"}
		}
		if spec.name == "mac" && (n1 == 0 || n2 == 0) {
			return opSpec{}, 0, 0, &ParseError{Pos: t.pos, Token: t.text, Msg: "windows must be positive"}
		}
		return spec, n1, n2, nil
	}
}
