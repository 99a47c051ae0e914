package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/metrics"
	"github.com/roach88/qplan/internal/plan"
)

// ErrCodeLockTimeout is carried by every *LockTimeoutError.
const ErrCodeLockTimeout = "E503"

// LockTimeoutError is returned when a lock request's context ends before
// the lock is granted.
type LockTimeoutError struct {
	Key    string
	Owner  string
	Holder []string
	Err    error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("%s: %s could not lock %s held by %v: %v", ErrCodeLockTimeout, e.Owner, e.Key, e.Holder, e.Err)
}

func (e *LockTimeoutError) Unwrap() error { return e.Err }

// IsLockTimeout reports whether err is a *LockTimeoutError.
func IsLockTimeout(err error) bool {
	var le *LockTimeoutError
	return errors.As(err, &le)
}

// SchemaMismatchError is returned by Migrate when a table exists for a
// differently shaped entity.
type SchemaMismatchError struct {
	Entity string
	Stored string
	Want   string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("entity %s: table was created for fingerprint %.12s, descriptor is %.12s", e.Entity, e.Stored, e.Want)
}

// lockEntry is one held key. Shared entries may have several owners; an
// exclusive entry has exactly one. changed is closed and replaced whenever
// the owner set shrinks, waking waiters to re-check.
type lockEntry struct {
	mode    plan.LockMode
	owners  map[string]bool
	changed chan struct{}
}

// LockTable grants shared and exclusive locks on string keys to named
// owners. An owner may re-acquire its own locks and may upgrade a shared
// lock it holds alone.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	metrics *metrics.Metrics
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire locks every key for owner, blocking until each is available or
// ctx ends. Keys are taken in sorted order so two owners locking
// overlapping sets cannot deadlock. On failure, keys taken by this call
// are released.
func (t *LockTable) Acquire(ctx context.Context, owner string, mode plan.LockMode, keys ...string) error {
	if mode == plan.LockNone {
		return nil
	}
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var taken []string
	for _, key := range sorted {
		fresh, err := t.acquire(ctx, owner, mode, key)
		if err != nil {
			t.release(owner, taken)
			return err
		}
		if fresh {
			taken = append(taken, key)
		}
	}
	return nil
}

// acquire takes one key and reports whether owner did not already hold it.
func (t *LockTable) acquire(ctx context.Context, owner string, mode plan.LockMode, key string) (bool, error) {
	start := time.Now()
	waited := false
	defer func() {
		if waited {
			t.metrics.ObserveLockWait(time.Since(start))
		}
	}()

	for {
		t.mu.Lock()
		e := t.entries[key]
		switch {
		case e == nil:
			t.entries[key] = &lockEntry{mode: mode, owners: map[string]bool{owner: true}, changed: make(chan struct{})}
			t.mu.Unlock()
			return true, nil
		case e.owners[owner] && (len(e.owners) == 1 || mode == plan.LockShared):
			if mode == plan.LockExclusive {
				e.mode = plan.LockExclusive
			}
			t.mu.Unlock()
			return false, nil
		case !e.owners[owner] && e.mode == plan.LockShared && mode == plan.LockShared:
			e.owners[owner] = true
			t.mu.Unlock()
			return true, nil
		}
		wait := e.changed
		holders := ownerList(e)
		t.mu.Unlock()

		waited = true
		select {
		case <-wait:
		case <-ctx.Done():
			return false, &LockTimeoutError{Key: key, Owner: owner, Holder: holders, Err: ctx.Err()}
		}
	}
}

// Release drops every lock owner holds.
func (t *LockTable) Release(owner string) {
	t.mu.Lock()
	var keys []string
	for k, e := range t.entries {
		if e.owners[owner] {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()
	t.release(owner, keys)
}

func (t *LockTable) release(owner string, keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		e := t.entries[k]
		if e == nil || !e.owners[owner] {
			continue
		}
		delete(e.owners, owner)
		close(e.changed)
		if len(e.owners) == 0 {
			delete(t.entries, k)
			continue
		}
		e.changed = make(chan struct{})
	}
}

// Held returns the keys owner holds, sorted.
func (t *LockTable) Held(owner string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for k, e := range t.entries {
		if e.owners[owner] {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func ownerList(e *lockEntry) []string {
	out := make([]string, 0, len(e.owners))
	for o := range e.owners {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// identityKey names the lock for one row.
func identityKey(desc *entity.Descriptor, id ir.Value) string {
	b, err := ir.MarshalCanonical(id)
	if err != nil {
		b = []byte(fmt.Sprint(ir.ToAny(id)))
	}
	return desc.Name() + ":" + string(b)
}

// tableKey names the entity-wide lock taken by unbounded exclusive finds.
func tableKey(desc *entity.Descriptor) string {
	return desc.Name() + ":*"
}
