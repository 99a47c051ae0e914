package projection

import (
	"strconv"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// Expr is an open-projection expression. The grammar is deliberately tiny:
//
//	expr    = term { "+" term }
//	term    = "target" { "." ident } | "'" text "'"
//
// An optional #{ ... } wrapper is accepted and ignored.
type Expr interface {
	eval(t *Target) (string, error)
	String() string
}

// PathExpr reads a property of the target.
type PathExpr struct {
	Path entity.Path
}

func (e PathExpr) eval(t *Target) (string, error) {
	v, err := t.Get(e.Path)
	if err != nil {
		return "", err
	}
	return render(v), nil
}

func (e PathExpr) String() string {
	if len(e.Path) == 0 {
		return "target"
	}
	return "target." + e.Path.String()
}

// LiteralExpr is a quoted string.
type LiteralExpr struct {
	Text string
}

func (e LiteralExpr) eval(*Target) (string, error) { return e.Text, nil }

func (e LiteralExpr) String() string {
	return "'" + strings.ReplaceAll(e.Text, "'", "''") + "'"
}

// ConcatExpr joins its parts as strings.
type ConcatExpr struct {
	Parts []Expr
}

func (e ConcatExpr) eval(t *Target) (string, error) {
	var b strings.Builder
	for _, p := range e.Parts {
		s, err := p.eval(t)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func (e ConcatExpr) String() string {
	parts := make([]string, len(e.Parts))
	for i, p := range e.Parts {
		parts[i] = p.String()
	}
	return strings.Join(parts, " + ")
}

// render formats a value the way string concatenation does: null prints
// as "null".
func render(v ir.Value) string {
	switch val := v.(type) {
	case nil, ir.Null:
		return "null"
	case ir.String:
		return string(val)
	case ir.Int:
		return strconv.FormatInt(int64(val), 10)
	case ir.Bool:
		return strconv.FormatBool(bool(val))
	}
	b, err := ir.MarshalValue(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParseExpr parses an accessor expression.
func ParseExpr(src string) (Expr, error) {
	body := strings.TrimSpace(src)
	offset := len(src) - len(strings.TrimLeft(src, " \t"))
	if strings.HasPrefix(body, "#{") {
		if !strings.HasSuffix(body, "}") {
			return nil, &ExprError{Expr: src, Pos: len(src), Reason: "unterminated #{"}
		}
		body = body[2 : len(body)-1]
		offset += 2
	}
	p := &exprParser{src: src, in: body, offset: offset}
	return p.parse()
}

// MustParseExpr is like ParseExpr but panics on error.
func MustParseExpr(src string) Expr {
	e, err := ParseExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

type exprParser struct {
	src    string
	in     string
	pos    int
	offset int
}

func (p *exprParser) fail(reason string) error {
	return &ExprError{Expr: p.src, Pos: p.offset + p.pos, Reason: reason}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.in) && (p.in[p.pos] == ' ' || p.in[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) parse() (Expr, error) {
	var parts []Expr
	for {
		p.skipSpace()
		term, err := p.term()
		if err != nil {
			return nil, err
		}
		parts = append(parts, term)
		p.skipSpace()
		if p.pos == len(p.in) {
			break
		}
		if p.in[p.pos] != '+' {
			return nil, p.fail("expected '+'")
		}
		p.pos++
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return ConcatExpr{Parts: parts}, nil
}

func (p *exprParser) term() (Expr, error) {
	if p.pos == len(p.in) {
		return nil, p.fail("expected term")
	}
	if p.in[p.pos] == '\'' {
		return p.literal()
	}
	return p.path()
}

func (p *exprParser) literal() (Expr, error) {
	p.pos++
	var b strings.Builder
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		if c == '\'' {
			if p.pos+1 < len(p.in) && p.in[p.pos+1] == '\'' {
				b.WriteByte('\'')
				p.pos += 2
				continue
			}
			p.pos++
			return LiteralExpr{Text: b.String()}, nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return nil, p.fail("unterminated string literal")
}

func (p *exprParser) path() (Expr, error) {
	ident := p.ident()
	if ident != "target" {
		return nil, p.fail("expressions must start with target")
	}
	var path entity.Path
	for p.pos < len(p.in) && p.in[p.pos] == '.' {
		p.pos++
		seg := p.ident()
		if seg == "" {
			return nil, p.fail("expected property name after '.'")
		}
		path = append(path, seg)
	}
	return PathExpr{Path: path}, nil
}

func (p *exprParser) ident() string {
	start := p.pos
	for p.pos < len(p.in) {
		c := p.in[p.pos]
		if c == '_' || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') || (p.pos > start && '0' <= c && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.in[start:p.pos]
}

// paths lists every property path e reads.
func paths(e Expr) []entity.Path {
	switch x := e.(type) {
	case PathExpr:
		return []entity.Path{x.Path}
	case ConcatExpr:
		var out []entity.Path
		for _, part := range x.Parts {
			out = append(out, paths(part)...)
		}
		return out
	}
	return nil
}
