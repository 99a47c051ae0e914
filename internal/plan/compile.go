package plan

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/queryir"
)

// ErrCodeInvalidPlan is the error code carried by every *InvalidPlanError.
const ErrCodeInvalidPlan = "E301"

// InvalidPlanError lists every problem found while compiling one plan.
type InvalidPlanError struct {
	Entity   string
	Subject  Subject
	Problems []string
}

func (e *InvalidPlanError) Error() string {
	return fmt.Sprintf("%s: invalid %s plan for %s: %s", ErrCodeInvalidPlan, e.Subject, e.Entity, strings.Join(e.Problems, "; "))
}

// IsInvalidPlan reports whether err wraps an *InvalidPlanError.
func IsInvalidPlan(err error) bool {
	var ipe *InvalidPlanError
	return errors.As(err, &ipe)
}

// Compiler compiles plans. The zero value uses UUIDv7 IDs and no metrics.
type Compiler struct {
	IDs     IDGenerator
	Metrics *metrics.Metrics
}

var defaultCompiler = &Compiler{}

// Compile compiles in against desc with UUIDv7 plan IDs.
func Compile(desc *entity.Descriptor, in Input) (*QueryPlan, error) {
	return defaultCompiler.Compile(desc, in)
}

// Compile validates in and returns an immutable plan.
func (c *Compiler) Compile(desc *entity.Descriptor, in Input) (*QueryPlan, error) {
	if desc == nil {
		return nil, errors.New("compile plan: nil entity descriptor")
	}

	v := &planValidator{desc: desc}
	v.check(in)
	if len(v.problems) > 0 {
		return nil, &InvalidPlanError{Entity: desc.Name(), Subject: in.Subject, Problems: v.problems}
	}

	pred := queryir.Clone(in.Predicate)
	if pred == nil {
		pred = queryir.Always()
	}

	p := &QueryPlan{
		entity:     desc,
		subject:    in.Subject,
		predicate:  pred,
		sort:       in.Sort.clone(),
		fetch:      clonePaths(in.Fetch),
		lock:       in.Lock,
		readOnly:   in.ReadOnly,
		distinct:   in.Distinct,
		maxResults: in.MaxResults,
		clearAuto:  in.ClearAutomatically,
	}
	if in.Page != nil {
		pr := PageRequest{Index: in.Page.Index, Size: in.Page.Size, Sort: in.Page.Sort.clone()}
		p.page = &pr
		p.sort = p.sort.Merge(pr.Sort)
	}
	if len(in.Assignments) > 0 {
		p.assignments = make([]Assignment, len(in.Assignments))
		for i, a := range in.Assignments {
			p.assignments[i] = Assignment{Path: a.Path.Clone(), Expr: a.Expr}
		}
	}
	if in.Projection != nil {
		proj := in.Projection.clone()
		p.projection = &proj
	}

	fp, err := ir.Fingerprint(ir.DomainPlan, p.canonical())
	if err != nil {
		return nil, fmt.Errorf("compile plan: %w", err)
	}
	p.fingerprint = fp

	ids := c.IDs
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	p.id = ids.Generate()

	c.Metrics.PlanCompiled(string(p.subject))
	return p, nil
}

// planValidator accumulates problems during compilation.
type planValidator struct {
	desc     *entity.Descriptor
	problems []string
}

func (v *planValidator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *planValidator) check(in Input) {
	if !in.Subject.Valid() {
		v.addf("unknown subject %q", in.Subject)
	}
	if !in.Lock.Valid() {
		v.addf("unknown lock mode %q", in.Lock)
	}

	if in.Predicate != nil {
		if err := queryir.Validate(in.Predicate, v.desc); err != nil {
			var verr *queryir.ValidationError
			if errors.As(err, &verr) {
				for _, e := range verr.Errors {
					v.addf("predicate: %v", e)
				}
			} else {
				v.addf("predicate: %v", err)
			}
		}
	}

	v.checkSort("sort", in.Sort)
	if in.Page != nil {
		if in.Page.Index < 0 {
			v.addf("page index must be >= 0, got %d", in.Page.Index)
		}
		if in.Page.Size <= 0 {
			v.addf("page size must be > 0, got %d", in.Page.Size)
		}
		v.checkSort("page sort", in.Page.Sort)
	}
	if in.MaxResults < 0 {
		v.addf("max results must be >= 0, got %d", in.MaxResults)
	}

	for _, f := range in.Fetch {
		if _, err := v.desc.ResolveAssociation(f); err != nil {
			v.addf("fetch: %v", err)
		}
	}

	if in.Projection != nil {
		for _, col := range in.Projection.Columns {
			if _, err := v.desc.Resolve(col); err != nil {
				v.addf("projection: %v", err)
			}
		}
		for _, f := range in.Projection.FullFetch {
			if _, err := v.desc.ResolveAssociation(f); err != nil {
				v.addf("projection fetch: %v", err)
			}
		}
	}

	v.checkSubject(in)
}

func (v *planValidator) checkSort(label string, s Sort) {
	seen := make(map[string]bool, len(s))
	for _, o := range s {
		if o.Direction != Ascending && o.Direction != Descending {
			v.addf("%s: unknown direction %q for %s", label, o.Direction, o.Path)
		}
		if _, err := v.desc.Resolve(o.Path); err != nil {
			v.addf("%s: %v", label, err)
		}
		key := o.Path.String()
		if seen[key] {
			v.addf("%s: %s listed twice", label, key)
		}
		seen[key] = true
	}
}

// checkSubject rejects modifiers that have no meaning for the subject.
func (v *planValidator) checkSubject(in Input) {
	s := in.Subject
	if s.IsBulk() {
		if in.Page != nil {
			v.addf("bulk operations are not paginated")
		}
		if in.MaxResults > 0 {
			v.addf("bulk operations do not take a result limit")
		}
		if len(in.Sort) > 0 {
			v.addf("bulk operations are not sorted")
		}
		if in.Lock != LockNone {
			v.addf("bulk operations do not take a lock mode")
		}
		if in.ReadOnly {
			v.addf("bulk operations cannot be read-only")
		}
	} else if in.ClearAutomatically {
		v.addf("clear-automatically applies to bulk operations only")
	}

	if s != SubjectFind {
		if len(in.Fetch) > 0 {
			v.addf("fetch paths apply to find plans only")
		}
		if in.Projection != nil {
			v.addf("projections apply to find plans only")
		}
	}
	if in.Distinct && s != SubjectFind && s != SubjectCount {
		v.addf("distinct applies to find and count plans only")
	}

	if s == SubjectUpdate {
		if len(in.Assignments) == 0 {
			v.addf("update plans need at least one assignment")
		}
		v.checkAssignments(in.Assignments)
	} else if len(in.Assignments) > 0 {
		v.addf("assignments apply to update plans only")
	}
}

func (v *planValidator) checkAssignments(as []Assignment) {
	seen := make(map[string]bool, len(as))
	for _, a := range as {
		key := a.Path.String()
		if seen[key] {
			v.addf("assignment: %s assigned twice", key)
		}
		seen[key] = true

		if len(a.Path) != 1 {
			v.addf("assignment: %s must name a direct property", key)
			continue
		}
		prop, err := v.desc.Resolve(a.Path)
		if err != nil {
			v.addf("assignment: %v", err)
			continue
		}
		if prop.Name == v.desc.Identity() {
			v.addf("assignment: identity %s cannot be updated", key)
		}
		v.checkExpr(key, prop, a.Expr)
	}
}

func (v *planValidator) checkExpr(target string, prop entity.Property, e Expr) {
	switch x := e.(type) {
	case Literal:
		if ir.IsNull(x.Value) {
			if !prop.Nullable {
				v.addf("assignment: %s is not nullable", target)
			}
			return
		}
		if !kindMatches(prop.Type, x.Value) {
			v.addf("assignment: %s: literal %T does not match %s", target, x.Value, prop.Type)
		}
	case Ref:
		ref, err := v.desc.Resolve(x.Path)
		if err != nil {
			v.addf("assignment: %s: %v", target, err)
			return
		}
		if len(x.Path) != 1 {
			v.addf("assignment: %s: reference %s must name a direct property", target, x.Path)
		}
		if ref.Type != prop.Type {
			v.addf("assignment: %s: reference %s is %s, want %s", target, x.Path, ref.Type, prop.Type)
		}
	case Add:
		if prop.Type != entity.TypeInt {
			v.addf("assignment: %s: addition needs an int property, got %s", target, prop.Type)
			return
		}
		v.checkExpr(target, prop, x.Left)
		v.checkExpr(target, prop, x.Right)
	case nil:
		v.addf("assignment: %s has no expression", target)
	default:
		v.addf("assignment: %s: unknown expression %T", target, e)
	}
}

func kindMatches(t entity.Type, v ir.Value) bool {
	switch t {
	case entity.TypeString, entity.TypeTime:
		_, ok := v.(ir.String)
		return ok
	case entity.TypeInt:
		_, ok := v.(ir.Int)
		return ok
	case entity.TypeBool:
		_, ok := v.(ir.Bool)
		return ok
	}
	return false
}
