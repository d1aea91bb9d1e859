package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
)

var registerOnce sync.Once

type noopFlow struct{}

func (f *noopFlow) Start(context.Context, *flow.Context) error { return nil }
func (f *noopFlow) States() map[string]flow.StateFunc          { return nil }

func registerTestFlows() {
	registerOnce.Do(func() {
		flow.Register(&flow.Descriptor{
			Name: "launchTool", Restricted: true,
			New: func() flow.Impl { return &noopFlow{} },
		})
		flow.Register(&flow.Descriptor{
			Name: "readOnlyTool",
			New:  func() flow.Impl { return &noopFlow{} },
		})
	})
}

type testEnv struct {
	store   *datastore.MemoryStore
	checker *Checker
	client  ids.ClientID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	registerTestFlows()
	store := datastore.NewMemoryStore()
	env := &testEnv{
		store:   store,
		checker: NewChecker(store, logrus.New(), 2, 28*24*time.Hour),
		client:  ids.ClientID(0xc11e),
	}
	ctx := context.Background()
	for _, u := range []*datastore.User{
		{Username: "alice", Type: datastore.UserStandard},
		{Username: "bob", Type: datastore.UserStandard},
		{Username: "carol", Type: datastore.UserStandard},
		{Username: "dora", Type: datastore.UserAdmin},
	} {
		require.NoError(t, store.WriteUser(ctx, u))
	}
	return env
}

func (env *testEnv) createClientApproval(t *testing.T) *datastore.Approval {
	t.Helper()
	a, err := env.checker.Create(context.Background(), &datastore.Approval{
		Requestor: "alice",
		Type:      datastore.ApprovalClient,
		SubjectID: env.client.String(),
		Reason:    "ticket 4711",
	})
	require.NoError(t, err)
	return a
}

func TestCheckWithoutApprovalDenied(t *testing.T) {
	env := newTestEnv(t)
	err := env.checker.CheckClientAccess(context.Background(), "alice", env.client)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "no approval found")
}

func TestApprovalGrantQuorum(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createClientApproval(t)

	err := env.checker.CheckClientAccess(ctx, "alice", env.client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs 2 approvers, has 0")

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	require.NoError(t, err)
	err = env.checker.CheckClientAccess(ctx, "alice", env.client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1")

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "carol")
	require.NoError(t, err)
	assert.NoError(t, env.checker.CheckClientAccess(ctx, "alice", env.client))

	// The decision never leaks to other users.
	err = env.checker.CheckClientAccess(ctx, "bob", env.client)
	assert.True(t, IsUnauthorized(err))
}

func TestHuntApprovalNeedsAdminGrantor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	huntID := ids.NewFlowID()

	a, err := env.checker.Create(ctx, &datastore.Approval{
		Requestor: "alice",
		Type:      datastore.ApprovalHunt,
		SubjectID: huntID.String(),
		Reason:    "sweep for beacon",
	})
	require.NoError(t, err)

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	require.NoError(t, err)
	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "carol")
	require.NoError(t, err)

	err = env.checker.CheckHuntAccess(ctx, "alice", huntID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "admin")

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "dora")
	require.NoError(t, err)
	assert.NoError(t, env.checker.CheckHuntAccess(ctx, "alice", huntID))
}

func TestExpiredApprovalDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createClientApproval(t)
	_, err := env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	require.NoError(t, err)
	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "carol")
	require.NoError(t, err)

	env.checker.clock = func() time.Time { return a.Expiration.Add(time.Second) }
	err = env.checker.CheckClientAccess(ctx, "alice", env.client)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestPositiveDecisionIsCached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createClientApproval(t)
	_, err := env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	require.NoError(t, err)
	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "carol")
	require.NoError(t, err)
	require.NoError(t, env.checker.CheckClientAccess(ctx, "alice", env.client))

	// The approval lapses, but the cached decision carries the check until
	// the cache entry expires.
	env.checker.clock = func() time.Time { return a.Expiration.Add(time.Second) }
	assert.NoError(t, env.checker.CheckClientAccess(ctx, "alice", env.client))

	env.checker.decisions.Purge()
	assert.Error(t, env.checker.CheckClientAccess(ctx, "alice", env.client))
}

func TestGrantValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.createClientApproval(t)

	_, err := env.checker.Grant(ctx, "alice", a.ApprovalID, "alice")
	assert.Error(t, err)

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "nobody")
	assert.Error(t, err)

	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	require.NoError(t, err)
	_, err = env.checker.Grant(ctx, "alice", a.ApprovalID, "bob")
	assert.Error(t, err)

	_, err = env.checker.Grant(ctx, "alice", "no-such-approval", "bob")
	assert.Error(t, err)
}

func TestRestrictedFlowRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	assert.NoError(t, env.checker.CheckFlowRestrictions(ctx, "alice", "readOnlyTool"))

	err := env.checker.CheckFlowRestrictions(ctx, "alice", "launchTool")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))

	assert.NoError(t, env.checker.CheckFlowRestrictions(ctx, "dora", "launchTool"))
}
