package queryir

import (
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/ir"
)

var symbols = map[Operator]string{
	Equals:           "=",
	NotEquals:        "<>",
	GreaterThan:      ">",
	GreaterThanEqual: ">=",
	LessThan:         "<",
	LessThanEqual:    "<=",
}

// String renders n in a stable, human-readable form:
//
//	(username = "AAA" AND age > 15)
//	NOT team.name IS NULL
//	TRUE
func String(n Node) string {
	var b strings.Builder
	writeNode(&b, n)
	return b.String()
}

func writeNode(b *strings.Builder, n Node) {
	switch node := n.(type) {
	case Leaf:
		writeLeaf(b, node)
	case Combine:
		switch {
		case IsAlways(node):
			b.WriteString("TRUE")
			return
		case IsNever(node):
			b.WriteString("FALSE")
			return
		case node.Logic == LogicNot:
			b.WriteString("NOT ")
			for _, c := range node.Children {
				writeNode(b, c)
			}
			return
		}
		b.WriteByte('(')
		for i, c := range node.Children {
			if i > 0 {
				fmt.Fprintf(b, " %s ", node.Logic)
			}
			writeNode(b, c)
		}
		b.WriteByte(')')
	default:
		fmt.Fprintf(b, "<%T>", n)
	}
}

func writeLeaf(b *strings.Builder, l Leaf) {
	path := l.Path.String()
	if l.IgnoreCase {
		path = "lower(" + path + ")"
	}
	b.WriteString(path)
	if sym, ok := symbols[l.Op]; ok && len(l.Operands) == 1 {
		fmt.Fprintf(b, " %s %s", sym, literal(l.Operands[0]))
		return
	}
	switch l.Op {
	case IsNull:
		b.WriteString(" IS NULL")
	case IsNotNull:
		b.WriteString(" IS NOT NULL")
	case True:
		b.WriteString(" IS TRUE")
	case False:
		b.WriteString(" IS FALSE")
	case Between:
		if len(l.Operands) == 2 {
			fmt.Fprintf(b, " BETWEEN %s AND %s", literal(l.Operands[0]), literal(l.Operands[1]))
			return
		}
		fallthrough
	default:
		fmt.Fprintf(b, " %s", strings.ToUpper(splitWords(string(l.Op))))
		for i, o := range l.Operands {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte(' ')
			b.WriteString(literal(o))
		}
	}
}

func literal(v ir.Value) string {
	out, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

// splitWords turns "StartingWith" into "Starting With".
func splitWords(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
