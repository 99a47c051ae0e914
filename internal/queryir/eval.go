package queryir

import (
	"regexp"
	"strings"

	"github.com/roach88/qplan/internal/ir"
)

// Eval evaluates n against a record graph. Associations are nested
// records; a missing or null hop yields null.
//
// Comparisons against null are false, as in SQL; only IsNull matches a
// null value. Mismatched kinds never match.
func Eval(n Node, rec ir.Record) bool {
	switch node := n.(type) {
	case Leaf:
		return evalLeaf(node, rec)
	case Combine:
		switch node.Logic {
		case LogicAnd:
			for _, c := range node.Children {
				if !Eval(c, rec) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, c := range node.Children {
				if Eval(c, rec) {
					return true
				}
			}
			return false
		case LogicNot:
			return len(node.Children) == 1 && !Eval(node.Children[0], rec)
		}
	}
	return false
}

func evalLeaf(l Leaf, rec ir.Record) bool {
	v, ok := rec.Get(l.Path...)
	if !ok {
		v = ir.Null{}
	}

	switch l.Op {
	case IsNull:
		return ir.IsNull(v)
	case IsNotNull:
		return !ir.IsNull(v)
	case True:
		return ir.Equal(v, ir.Bool(true))
	case False:
		return ir.Equal(v, ir.Bool(false))
	}
	if ir.IsNull(v) {
		return false
	}

	arg := func(i int) ir.Value {
		if i < len(l.Operands) {
			return fold(l.Operands[i], l.IgnoreCase)
		}
		return ir.Null{}
	}
	v = fold(v, l.IgnoreCase)

	cmp := func(i int) (int, bool) {
		return ir.Compare(v, arg(i))
	}

	switch l.Op {
	case Equals:
		c, ok := cmp(0)
		return ok && c == 0
	case NotEquals:
		c, ok := cmp(0)
		return ok && c != 0
	case GreaterThan:
		c, ok := cmp(0)
		return ok && c > 0
	case GreaterThanEqual:
		c, ok := cmp(0)
		return ok && c >= 0
	case LessThan:
		c, ok := cmp(0)
		return ok && c < 0
	case LessThanEqual:
		c, ok := cmp(0)
		return ok && c <= 0
	case Between:
		lo, ok1 := cmp(0)
		hi, ok2 := cmp(1)
		return ok1 && ok2 && lo >= 0 && hi <= 0
	case In, NotIn:
		list, ok := l.Operands[0].(ir.List)
		if !ok {
			return false
		}
		found := false
		for _, item := range list {
			if ir.Equal(v, fold(item, l.IgnoreCase)) {
				found = true
				break
			}
		}
		return found == (l.Op == In)
	}

	s, ok := v.(ir.String)
	if !ok {
		return false
	}
	p, ok := arg(0).(ir.String)
	if !ok {
		return false
	}
	switch l.Op {
	case Like:
		return MatchLike(string(s), string(p))
	case NotLike:
		return !MatchLike(string(s), string(p))
	case StartingWith:
		return strings.HasPrefix(string(s), string(p))
	case EndingWith:
		return strings.HasSuffix(string(s), string(p))
	case Containing:
		return strings.Contains(string(s), string(p))
	case NotContaining:
		return !strings.Contains(string(s), string(p))
	}
	return false
}

func fold(v ir.Value, ignoreCase bool) ir.Value {
	if s, ok := v.(ir.String); ok && ignoreCase {
		return ir.String(strings.ToLower(string(s)))
	}
	return v
}

// MatchLike reports whether s matches a SQL LIKE pattern, where % matches
// any run of characters and _ matches exactly one. Matching is case
// sensitive.
func MatchLike(s, pattern string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile("(?s)" + b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
