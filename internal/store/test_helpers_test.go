package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/plan"
	"github.com/roach88/qplan/internal/testutil"
)

// createTestStore opens a store in a temp directory with Member and Team
// tables.
func createTestStore(t *testing.T, opts ...Option) (*Store, *entity.Registry) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := testutil.Registry()
	require.NoError(t, s.Migrate(context.Background(), reg.MustDescribe("Team"), reg.MustDescribe("Member")))
	return s, reg
}

// seed saves a dataset, teams first.
func seed(t *testing.T, s *Store, reg *entity.Registry, ds testutil.Dataset) {
	t.Helper()
	ctx := context.Background()
	if len(ds.Teams) > 0 {
		require.NoError(t, s.Save(ctx, reg.MustDescribe("Team"), ds.Teams...))
	}
	if len(ds.Members) > 0 {
		require.NoError(t, s.Save(ctx, reg.MustDescribe("Member"), ds.Members...))
	}
}

func compilePlan(t *testing.T, desc *entity.Descriptor, in plan.Input) *plan.QueryPlan {
	t.Helper()
	c := &plan.Compiler{IDs: plan.NewSequenceGenerator("plan")}
	p, err := c.Compile(desc, in)
	require.NoError(t, err)
	return p
}
