package derive

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/queryir"
)

var subjects = []struct {
	prefix  string
	subject plan.Subject
}{
	{"exists", plan.SubjectExists},
	{"search", plan.SubjectFind},
	{"stream", plan.SubjectFind},
	{"remove", plan.SubjectDelete},
	{"delete", plan.SubjectDelete},
	{"count", plan.SubjectCount},
	{"query", plan.SubjectFind},
	{"find", plan.SubjectFind},
	{"read", plan.SubjectFind},
	{"get", plan.SubjectFind},
}

var shapeWords = map[string]Shape{
	"Optional": ShapeOptional,
	"Slice":    ShapeSlice,
	"Page":     ShapePage,
	"List":     ShapeList,
	"Stream":   ShapeStream,
}

// operatorKeywords maps every accepted suffix to its operator, sorted
// longest first so "GreaterThanEqual" is tried before "GreaterThan".
var operatorKeywords = func() []opKeyword {
	kws := []opKeyword{
		{"Is", queryir.Equals},
		{"Equals", queryir.Equals},
		{"IsNot", queryir.NotEquals},
		{"Not", queryir.NotEquals},
		{"GreaterThan", queryir.GreaterThan},
		{"IsGreaterThan", queryir.GreaterThan},
		{"After", queryir.GreaterThan},
		{"IsAfter", queryir.GreaterThan},
		{"GreaterThanEqual", queryir.GreaterThanEqual},
		{"IsGreaterThanEqual", queryir.GreaterThanEqual},
		{"LessThan", queryir.LessThan},
		{"IsLessThan", queryir.LessThan},
		{"Before", queryir.LessThan},
		{"IsBefore", queryir.LessThan},
		{"LessThanEqual", queryir.LessThanEqual},
		{"IsLessThanEqual", queryir.LessThanEqual},
		{"Between", queryir.Between},
		{"IsBetween", queryir.Between},
		{"Like", queryir.Like},
		{"IsLike", queryir.Like},
		{"NotLike", queryir.NotLike},
		{"IsNotLike", queryir.NotLike},
		{"StartingWith", queryir.StartingWith},
		{"IsStartingWith", queryir.StartingWith},
		{"StartsWith", queryir.StartingWith},
		{"EndingWith", queryir.EndingWith},
		{"IsEndingWith", queryir.EndingWith},
		{"EndsWith", queryir.EndingWith},
		{"Containing", queryir.Containing},
		{"IsContaining", queryir.Containing},
		{"Contains", queryir.Containing},
		{"NotContaining", queryir.NotContaining},
		{"IsNotContaining", queryir.NotContaining},
		{"NotContains", queryir.NotContaining},
		{"In", queryir.In},
		{"IsIn", queryir.In},
		{"NotIn", queryir.NotIn},
		{"IsNotIn", queryir.NotIn},
		{"IsNull", queryir.IsNull},
		{"Null", queryir.IsNull},
		{"IsNotNull", queryir.IsNotNull},
		{"NotNull", queryir.IsNotNull},
		{"True", queryir.True},
		{"IsTrue", queryir.True},
		{"False", queryir.False},
		{"IsFalse", queryir.False},
	}
	sort.SliceStable(kws, func(i, j int) bool { return len(kws[i].word) > len(kws[j].word) })
	return kws
}()

type opKeyword struct {
	word string
	op   queryir.Operator
}

// Parse parses signature against desc into a reusable Template.
func Parse(signature string, desc *entity.Descriptor) (*Template, error) {
	p := &parser{signature: signature, desc: desc}
	return p.parse()
}

type parser struct {
	signature string
	desc      *entity.Descriptor
}

func (p *parser) malformed(reason string) error {
	return &MalformedSignatureError{Signature: p.signature, Reason: reason}
}

func (p *parser) unresolvable(ident string) error {
	return &UnresolvablePropertyError{Signature: p.signature, Identifier: ident, Entity: p.desc.Name()}
}

func (p *parser) parse() (*Template, error) {
	t := &Template{signature: p.signature, entity: p.desc}

	rest, ok := p.parseSubject(t)
	if !ok {
		if isSubject(p.signature) {
			return nil, p.malformed("no By clause")
		}
		return nil, p.malformed("no subject (find, get, read, query, search, stream, count, exists, delete, remove)")
	}

	by := keywordIndex(rest, "By", 0)
	if by < 0 {
		return nil, p.malformed("no By clause")
	}
	if err := p.parseQualifier(t, rest[:by]); err != nil {
		return nil, err
	}

	clause := rest[by+len("By"):]
	predicate, order := clause, ""
	if i := keywordIndex(clause, "OrderBy", 0); i >= 0 {
		predicate, order = clause[:i], clause[i+len("OrderBy"):]
		if order == "" {
			return nil, p.malformed("OrderBy without properties")
		}
	}

	allIgnoreCase := false
	for _, suffix := range []string{"AllIgnoreCase", "AllIgnoringCase"} {
		if strings.HasSuffix(predicate, suffix) {
			predicate = strings.TrimSuffix(predicate, suffix)
			allIgnoreCase = true
			break
		}
	}

	tree, arity, err := p.parsePredicate(predicate, allIgnoreCase)
	if err != nil {
		return nil, err
	}
	t.tree = tree
	t.arity = arity

	if order != "" {
		s, err := p.parseOrder(order)
		if err != nil {
			return nil, err
		}
		t.sort = s
	}
	return t, nil
}

func (p *parser) parseSubject(t *Template) (string, bool) {
	for _, s := range subjects {
		if !strings.HasPrefix(p.signature, s.prefix) {
			continue
		}
		rest := p.signature[len(s.prefix):]
		if rest == "" || !startsUpper(rest) {
			continue
		}
		t.subject = s.subject
		if s.prefix == "stream" {
			t.shape = ShapeStream
		}
		return rest, true
	}
	return "", false
}

func isSubject(word string) bool {
	for _, s := range subjects {
		if s.prefix == word {
			return true
		}
	}
	return false
}

// parseQualifier reads the words between the subject and By.
func (p *parser) parseQualifier(t *Template, q string) error {
	words := camelWords(q)
	var noun strings.Builder
	for i := 0; i < len(words); i++ {
		w := words[i]
		switch {
		case w == "Distinct":
			t.distinct = true
		case w == "First" || w == "Top":
			t.limit = 1
			if i+1 < len(words) && isDigits(words[i+1]) {
				n, err := strconv.Atoi(words[i+1])
				if err != nil || n <= 0 {
					return p.malformed("invalid result limit " + words[i+1])
				}
				t.limit = n
				i++
			}
		case shapeWords[w] != "":
			if t.shape == ShapeDefault {
				t.shape = shapeWords[w]
			}
		default:
			noun.WriteString(w)
		}
	}

	if t.shape == ShapeDefault {
		name := p.desc.Name()
		switch noun.String() {
		case name:
			t.shape = ShapeOne
		case name + "s", name + "es":
			t.shape = ShapeList
		}
	}
	return nil
}

// piece is one parsed part plus the connective joining it to the previous
// part.
type piece struct {
	logic queryir.Logic
	leaf  queryir.Leaf
}

type boundary struct {
	pos   int
	word  string
	logic queryir.Logic
}

func (p *parser) parsePredicate(clause string, allIgnoreCase bool) (queryir.Node, int, error) {
	if clause == "" {
		return queryir.Always(), 0, nil
	}

	var bounds []boundary
	for _, kw := range []struct {
		word  string
		logic queryir.Logic
	}{{"And", queryir.LogicAnd}, {"Or", queryir.LogicOr}} {
		for from := 1; ; {
			i := keywordIndex(clause, kw.word, from)
			if i < 0 {
				break
			}
			if i+len(kw.word) < len(clause) {
				bounds = append(bounds, boundary{pos: i, word: kw.word, logic: kw.logic})
			}
			from = i + 1
		}
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].pos < bounds[j].pos })

	s := &splitter{p: p, clause: clause, bounds: bounds, allIgnoreCase: allIgnoreCase, memo: map[int]splitResult{}}
	pieces, err := s.split(0)
	if err != nil {
		if word := danglingConnective(clause); word != "" && IsUnresolvable(err) {
			return nil, 0, p.malformed("dangling " + word + " in predicate " + clause)
		}
		return nil, 0, err
	}

	arity := 0
	var groups []queryir.Node
	var current queryir.Node
	for i, pc := range pieces {
		n, _ := pc.leaf.Op.Arity()
		arity += n
		switch {
		case i == 0:
			current = pc.leaf
		case pc.logic == queryir.LogicOr:
			groups = append(groups, current)
			current = pc.leaf
		default:
			current = queryir.And(current, pc.leaf)
		}
	}
	groups = append(groups, current)

	tree := groups[0]
	for _, g := range groups[1:] {
		tree = queryir.Or(tree, g)
	}
	return tree, arity, nil
}

// danglingConnective returns the And or Or that opens or closes clause
// with no predicate part on its other side.
func danglingConnective(clause string) string {
	for _, w := range []string{"And", "Or"} {
		if keywordIndex(clause, w, 0) == 0 || strings.HasSuffix(clause, w) {
			return w
		}
	}
	return ""
}

type splitResult struct {
	pieces []piece
	err    error
}

// splitter segments a predicate clause at And/Or boundaries. It prefers
// the finest split and backtracks over a boundary when the segment before
// it does not resolve, so keywords inside property names survive.
type splitter struct {
	p             *parser
	clause        string
	bounds        []boundary
	allIgnoreCase bool
	memo          map[int]splitResult
}

func (s *splitter) split(start int) ([]piece, error) {
	if r, ok := s.memo[start]; ok {
		return r.pieces, r.err
	}
	pieces, err := s.splitUncached(start)
	s.memo[start] = splitResult{pieces: pieces, err: err}
	return pieces, err
}

func (s *splitter) splitUncached(start int) ([]piece, error) {
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	for _, b := range s.bounds {
		if b.pos <= start {
			continue
		}
		leaf, err := s.p.parsePart(s.clause[start:b.pos], s.allIgnoreCase)
		if err != nil {
			keep(err)
			continue
		}
		rest, err := s.split(b.pos + len(b.word))
		if err != nil {
			keep(err)
			continue
		}
		out := make([]piece, 0, len(rest)+1)
		out = append(out, piece{leaf: leaf})
		out = append(out, rest...)
		out[1].logic = b.logic
		return out, nil
	}

	leaf, err := s.p.parsePart(s.clause[start:], s.allIgnoreCase)
	if err != nil {
		keep(err)
		return nil, firstErr
	}
	return []piece{{leaf: leaf}}, nil
}

// parsePart resolves one predicate segment into a leaf without operands.
func (p *parser) parsePart(seg string, allIgnoreCase bool) (queryir.Leaf, error) {
	ignoreCase := false
	for _, suffix := range []string{"IgnoringCase", "IgnoreCase"} {
		if strings.HasSuffix(seg, suffix) && len(seg) > len(suffix) {
			seg = strings.TrimSuffix(seg, suffix)
			ignoreCase = true
			break
		}
	}

	var firstIdent string
	for _, kw := range operatorKeywords {
		if !strings.HasSuffix(seg, kw.word) || len(seg) == len(kw.word) {
			continue
		}
		ident := seg[:len(seg)-len(kw.word)]
		if firstIdent == "" {
			firstIdent = ident
		}
		if path, prop, ok := p.resolve(ident); ok {
			return p.leaf(path, prop, kw.op, ignoreCase, allIgnoreCase)
		}
	}
	if path, prop, ok := p.resolve(seg); ok {
		return p.leaf(path, prop, queryir.Equals, ignoreCase, allIgnoreCase)
	}
	if firstIdent == "" {
		firstIdent = seg
	}
	return queryir.Leaf{}, p.unresolvable(firstIdent)
}

func (p *parser) leaf(path entity.Path, prop entity.Property, op queryir.Operator, ignoreCase, allIgnoreCase bool) (queryir.Leaf, error) {
	if ignoreCase && prop.Type != entity.TypeString {
		return queryir.Leaf{}, p.malformed("IgnoreCase on non-string property " + path.String())
	}
	return queryir.Leaf{
		Path:       path,
		Op:         op,
		IgnoreCase: ignoreCase || (allIgnoreCase && prop.Type == entity.TypeString),
	}, nil
}

// parseOrder parses "AgeDescUsername" into age DESC, username ASC. Only
// the last key may omit its direction.
func (p *parser) parseOrder(order string) (plan.Sort, error) {
	type dirMark struct {
		start, end int
		dir        plan.Direction
	}
	var marks []dirMark
	for _, kw := range []struct {
		word string
		dir  plan.Direction
	}{{"Asc", plan.Ascending}, {"Desc", plan.Descending}} {
		for from := 1; ; {
			i := keywordIndex(order, kw.word, from)
			if i < 0 {
				break
			}
			marks = append(marks, dirMark{start: i, end: i + len(kw.word), dir: kw.dir})
			from = i + 1
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i].start < marks[j].start })

	var solve func(start int) (plan.Sort, error)
	solve = func(start int) (plan.Sort, error) {
		if start == len(order) {
			return nil, nil
		}
		var firstErr error
		for _, m := range marks {
			if m.start <= start {
				continue
			}
			ident := order[start:m.start]
			path, _, ok := p.resolve(ident)
			if !ok {
				if firstErr == nil {
					firstErr = p.unresolvable(ident)
				}
				continue
			}
			rest, err := solve(m.end)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			return append(plan.Sort{{Path: path, Direction: m.dir}}, rest...), nil
		}
		if path, _, ok := p.resolve(order[start:]); ok {
			return plan.Sort{{Path: path, Direction: plan.Ascending}}, nil
		}
		if firstErr == nil {
			firstErr = p.unresolvable(order[start:])
		}
		return nil, firstErr
	}
	return solve(0)
}

// resolve maps an identifier to a terminal property path. A terminal
// association resolves to its identity.
func (p *parser) resolve(ident string) (entity.Path, entity.Property, bool) {
	if ident == "" {
		return nil, entity.Property{}, false
	}
	var (
		path entity.Path
		prop entity.Property
		ok   bool
	)
	if strings.Contains(ident, "_") {
		path, prop, ok = resolveExplicit(strings.Split(ident, "_"), p.desc)
	} else {
		path, prop, ok = resolveCamel(ident, p.desc)
	}
	if !ok {
		return nil, entity.Property{}, false
	}
	if prop.IsAssociation() {
		id := prop.Target.IdentityProperty()
		return append(path, id.Name), id, true
	}
	return path, prop, true
}

func resolveExplicit(parts []string, d *entity.Descriptor) (entity.Path, entity.Property, bool) {
	var path entity.Path
	var prop entity.Property
	cur := d
	for i, part := range parts {
		var ok bool
		prop, ok = lookup(cur, part)
		if !ok {
			return nil, entity.Property{}, false
		}
		path = append(path, prop.Name)
		if i < len(parts)-1 {
			if !prop.IsAssociation() {
				return nil, entity.Property{}, false
			}
			cur = prop.Target
		}
	}
	return path, prop, true
}

// resolveCamel tries the whole identifier as a direct property, then the
// longest camel-case head naming an association, recursing on the tail.
func resolveCamel(ident string, d *entity.Descriptor) (entity.Path, entity.Property, bool) {
	if prop, ok := lookup(d, ident); ok {
		return entity.Path{prop.Name}, prop, true
	}
	words := camelWords(ident)
	for i := len(words) - 1; i >= 1; i-- {
		head, ok := lookup(d, strings.Join(words[:i], ""))
		if !ok || !head.IsAssociation() {
			continue
		}
		rest, prop, ok := resolveCamel(strings.Join(words[i:], ""), head.Target)
		if ok {
			return append(entity.Path{head.Name}, rest...), prop, true
		}
	}
	return nil, entity.Property{}, false
}

func lookup(d *entity.Descriptor, ident string) (entity.Property, bool) {
	if prop, ok := d.Property(decapitalize(ident)); ok {
		return prop, true
	}
	return d.Property(ident)
}

// decapitalize lowers the first rune unless the first two runes are both
// upper case ("URL" stays "URL").
func decapitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError || !unicode.IsUpper(r) {
		return s
	}
	if next, _ := utf8.DecodeRuneInString(s[size:]); unicode.IsUpper(next) {
		return s
	}
	return string(unicode.ToLower(r)) + s[size:]
}

// keywordIndex finds kw in s at or after from, where the match starts a
// camel-case word and is followed by an upper-case rune or the end.
func keywordIndex(s, kw string, from int) int {
	for i := from; i+len(kw) <= len(s); i++ {
		j := strings.Index(s[i:], kw)
		if j < 0 {
			return -1
		}
		i += j
		end := i + len(kw)
		if end == len(s) || startsUpper(s[end:]) {
			return i
		}
	}
	return -1
}

// camelWords splits "TeamNameURLPath2" into [Team Name URL Path 2].
func camelWords(s string) []string {
	runes := []rune(s)
	var words []string
	start := 0
	for i := 1; i < len(runes); i++ {
		prev, cur := runes[i-1], runes[i]
		split := false
		switch {
		case unicode.IsUpper(cur) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			split = true
		case unicode.IsUpper(cur) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
			split = true
		case unicode.IsDigit(cur) != unicode.IsDigit(prev):
			split = true
		}
		if split {
			words = append(words, string(runes[start:i]))
			start = i
		}
	}
	if start < len(runes) {
		words = append(words, string(runes[start:]))
	}
	return words
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
