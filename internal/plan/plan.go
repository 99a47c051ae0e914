package plan

import (
	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/queryir"
)

// Input is everything a caller can ask of a plan.
type Input struct {
	Subject   Subject
	Predicate queryir.Node // nil means every row
	Sort      Sort
	Page      *PageRequest
	Fetch     []entity.Path
	Lock      LockMode
	ReadOnly  bool
	Distinct  bool

	// MaxResults caps find results (First/Top). Zero means no cap.
	MaxResults int

	// Assignments are required for SubjectUpdate and forbidden otherwise.
	Assignments []Assignment

	// ClearAutomatically asks the caller to invalidate its identity cache
	// once a bulk plan has executed.
	ClearAutomatically bool

	Projection *Projection
}

// QueryPlan is an immutable, compiled query. Accessors return copies.
type QueryPlan struct {
	id          string
	fingerprint string
	entity      *entity.Descriptor

	subject     Subject
	predicate   queryir.Node
	sort        Sort
	page        *PageRequest
	fetch       []entity.Path
	lock        LockMode
	readOnly    bool
	distinct    bool
	maxResults  int
	assignments []Assignment
	clearAuto   bool
	projection  *Projection
}

// ID is unique per compiled plan.
func (p *QueryPlan) ID() string { return p.id }

// Fingerprint hashes everything but the ID; two plans with equal
// fingerprints issue the same query.
func (p *QueryPlan) Fingerprint() string { return p.fingerprint }

// Entity returns the descriptor the plan was compiled against.
func (p *QueryPlan) Entity() *entity.Descriptor { return p.entity }

// Subject returns the plan subject.
func (p *QueryPlan) Subject() Subject { return p.subject }

// Predicate returns the predicate tree. Never nil.
func (p *QueryPlan) Predicate() queryir.Node { return p.predicate }

// Sort returns the merged sort.
func (p *QueryPlan) Sort() Sort { return p.sort.clone() }

// Page returns the page request, if any.
func (p *QueryPlan) Page() (PageRequest, bool) {
	if p.page == nil {
		return PageRequest{}, false
	}
	return PageRequest{Index: p.page.Index, Size: p.page.Size, Sort: p.page.Sort.clone()}, true
}

// Fetch returns the association paths to load eagerly.
func (p *QueryPlan) Fetch() []entity.Path { return clonePaths(p.fetch) }

// Lock returns the lock mode.
func (p *QueryPlan) Lock() LockMode { return p.lock }

// ReadOnly reports whether results must bypass the identity cache.
func (p *QueryPlan) ReadOnly() bool { return p.readOnly }

// Distinct reports whether duplicate rows are collapsed.
func (p *QueryPlan) Distinct() bool { return p.distinct }

// MaxResults returns the result cap, or 0.
func (p *QueryPlan) MaxResults() int { return p.maxResults }

// Assignments returns the update assignments.
func (p *QueryPlan) Assignments() []Assignment {
	if len(p.assignments) == 0 {
		return nil
	}
	out := make([]Assignment, len(p.assignments))
	for i, a := range p.assignments {
		out[i] = Assignment{Path: a.Path.Clone(), Expr: a.Expr}
	}
	return out
}

// ClearAutomatically reports whether the caller asked for its identity
// cache to be cleared after this bulk plan executes.
func (p *QueryPlan) ClearAutomatically() bool { return p.clearAuto }

// Projection returns the projection column set, if any.
func (p *QueryPlan) Projection() (Projection, bool) {
	if p.projection == nil {
		return Projection{}, false
	}
	return p.projection.clone(), true
}

// SerializeUnbounded is set on exclusive find plans with neither a page
// nor a result cap. The collaborator must serialize them against other
// exclusive requests for the whole table.
func (p *QueryPlan) SerializeUnbounded() bool {
	return p.lock == LockExclusive && p.subject == SubjectFind && p.page == nil && p.maxResults == 0
}

// String renders a one-line summary for logs.
func (p *QueryPlan) String() string {
	return p.id + " " + string(p.subject) + " " + p.entity.Name() + " where " + queryir.String(p.predicate)
}
