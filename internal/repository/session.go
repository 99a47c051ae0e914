package repository

import (
	"context"
	"strings"
	"time"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/page"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/store"
)

// Session is one unit of work: an identity cache plus the locks its
// queries took. A Session is not safe for concurrent use; give each
// goroutine its own.
type Session struct {
	id          string
	store       *store.Store
	managed     map[string]ir.Record
	lockTimeout time.Duration
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionID names the session. The name is the lock owner, so two
// sessions must never share one. Defaults to a UUIDv7.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithLockTimeout bounds how long a locking query waits for rows held by
// another session. Zero waits until the caller's context ends.
func WithLockTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.lockTimeout = d }
}

// NewSession opens a unit of work on st.
func NewSession(st *store.Store, opts ...SessionOption) *Session {
	s := &Session{
		store:   st,
		managed: make(map[string]ir.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = plan.UUIDv7Generator{}.Generate()
	}
	return s
}

// ID returns the session's lock owner name.
func (s *Session) ID() string { return s.id }

// Close releases every lock and forgets every managed record.
func (s *Session) Close() {
	s.store.Locks().Release(s.id)
	s.Clear()
}

// Clear forgets every managed record. Locks stay held.
func (s *Session) Clear() {
	s.managed = make(map[string]ir.Record)
}

// Len returns the number of managed records.
func (s *Session) Len() int { return len(s.managed) }

// Held returns the lock keys the session holds.
func (s *Session) Held() []string {
	return s.store.Locks().Held(s.id)
}

// Managed returns the managed record of desc with the given identity.
func (s *Session) Managed(desc *entity.Descriptor, id ir.Value) (ir.Record, bool) {
	rec, ok := s.managed[cacheKey(desc, id)]
	return rec, ok
}

// Detach forgets one managed record.
func (s *Session) Detach(desc *entity.Descriptor, id ir.Value) {
	delete(s.managed, cacheKey(desc, id))
}

// manage swaps every row whose identity is already managed for the managed
// record and registers the rest. Rows of read-only plans pass through
// unregistered. Associations the plan fetched are filled into a managed
// record that only holds their identity; scalar fields of a managed record
// are never refreshed.
func (s *Session) manage(p *plan.QueryPlan, rows []ir.Record) []ir.Record {
	if p.ReadOnly() {
		return rows
	}
	desc := p.Entity()
	fetch := p.Fetch()
	out := make([]ir.Record, len(rows))
	for i, row := range rows {
		key := cacheKey(desc, row[desc.Identity()])
		if m, ok := s.managed[key]; ok {
			for _, path := range fetch {
				fillFetched(desc, m, row, path)
			}
			out[i] = m
			continue
		}
		s.managed[key] = row
		out[i] = row
	}
	return out
}

// fillFetched walks path through managed and fetched together and replaces
// each association of managed that is still an identity-only reference
// with the fetched record.
func fillFetched(desc *entity.Descriptor, managed, fetched ir.Record, path entity.Path) {
	if len(path) == 0 {
		return
	}
	prop, ok := desc.Property(path[0])
	if !ok || !prop.IsAssociation() {
		return
	}
	got, ok := fetched[prop.Name].(ir.Record)
	if !ok {
		return
	}
	have, ok := managed[prop.Name].(ir.Record)
	if !ok {
		return
	}
	if identityOnly(prop.Target, have) && ir.Equal(have[prop.Target.Identity()], got[prop.Target.Identity()]) {
		have = got.Clone()
		managed[prop.Name] = have
	}
	fillFetched(prop.Target, have, got, path[1:])
}

func identityOnly(desc *entity.Descriptor, rec ir.Record) bool {
	_, ok := rec[desc.Identity()]
	return ok && len(rec) == 1
}

// managedOf counts the managed records of desc.
func (s *Session) managedOf(desc *entity.Descriptor) int {
	prefix := desc.Name() + ":"
	n := 0
	for k := range s.managed {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// source returns the row source for p: the store itself, or a locking view
// of it when the plan asks for a lock.
func (s *Session) source(p *plan.QueryPlan) page.RowSource {
	if p.Lock() == plan.LockNone {
		return s.store
	}
	return lockedSource{sess: s}
}

type lockedSource struct {
	sess *Session
}

func (l lockedSource) Fetch(ctx context.Context, p *plan.QueryPlan, w page.Window) ([]ir.Record, error) {
	if l.sess.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.sess.lockTimeout)
		defer cancel()
	}
	return l.sess.store.FetchLocked(ctx, l.sess.id, p, w)
}

func (l lockedSource) Count(ctx context.Context, p *plan.QueryPlan) (int64, error) {
	return l.sess.store.Count(ctx, p)
}

func cacheKey(desc *entity.Descriptor, id ir.Value) string {
	b, err := ir.MarshalCanonical(id)
	if err != nil {
		return desc.Name() + ":?"
	}
	return desc.Name() + ":" + string(b)
}
