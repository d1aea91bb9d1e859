package hunt

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/wire"
)

// huntProbe is the flow class fanned out in these tests.
type huntProbe struct{}

func (f *huntProbe) Start(_ context.Context, fc *flow.Context) error {
	return fc.CallClient("Probe", nil, "Done")
}

func (f *huntProbe) States() map[string]flow.StateFunc {
	return map[string]flow.StateFunc{
		"Done": func(_ context.Context, fc *flow.Context, rs *flow.Responses) error {
			payloads, err := rs.Payloads()
			if err != nil {
				return err
			}
			for _, p := range payloads {
				if err := fc.SendReply(p); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func init() {
	flow.Register(&flow.Descriptor{Name: "huntProbe", New: func() flow.Impl { return &huntProbe{} }})
}

type testEnv struct {
	store      *datastore.MemoryStore
	engine     *flow.Engine
	dispatcher *Dispatcher
	now        time.Time
}

func newTestEnv(t *testing.T, minClientsForAverages uint64) *testEnv {
	t.Helper()
	store := datastore.NewMemoryStore()
	log := logrus.New()
	engine := flow.NewEngine(store, notify.NewLocalNotifier(), events.NewBus(log), log)
	return &testEnv{
		store:      store,
		engine:     engine,
		dispatcher: NewDispatcher(store, engine, events.NewBus(log), log, minClientsForAverages),
		now:        time.Now(),
	}
}

func (env *testEnv) addClient(t *testing.T, id ids.ClientID, system, hostname string, labels []datastore.Label, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.WriteClientMetadata(ctx, &datastore.Client{
		ID: id, FirstSeen: env.now.Add(-age), Labels: labels,
	}))
	if system != "" || hostname != "" {
		raw, _, err := wire.MarshalPayload(&wire.KnowledgeBase{System: system, Hostname: hostname})
		require.NoError(t, err)
		_, err = env.store.WriteClientSnapshot(ctx, &datastore.ClientSnapshot{
			ClientID: id, Knowledge: raw,
		})
		require.NoError(t, err)
	}
}

func (env *testEnv) createStartedHunt(t *testing.T, h *datastore.Hunt) *datastore.Hunt {
	t.Helper()
	ctx := context.Background()
	if h.FlowClass == "" {
		h.FlowClass = "huntProbe"
	}
	created, err := env.dispatcher.CreateHunt(ctx, h)
	require.NoError(t, err)
	require.NoError(t, env.dispatcher.StartHunt(ctx, created.ID))
	return created
}

func TestCreateHuntValidates(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	_, err := env.dispatcher.CreateHunt(ctx, &datastore.Hunt{FlowClass: "noSuchFlow"})
	assert.Error(t, err)

	_, err = env.dispatcher.CreateHunt(ctx, &datastore.Hunt{
		FlowClass: "huntProbe",
		ClientRule: datastore.ClientRuleSet{
			Rules: []datastore.ClientRule{{Kind: "regex_hostname", Value: "("}},
		},
	})
	assert.Error(t, err)
}

func TestStartHuntDispatchesToMatchingClients(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "web-01", []datastore.Label{{Owner: "ops", Name: "prod"}}, time.Hour)
	env.addClient(t, 2, "Windows", "dc-01", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{
		Creator: "alice",
		ClientRule: datastore.ClientRuleSet{
			Rules: []datastore.ClientRule{{Kind: "label", Value: "prod"}},
		},
	})

	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, "huntProbe", flows[0].Class)
	assert.Equal(t, HuntCreator, flows[0].Creator)
	assert.Equal(t, h.ID, flows[0].ParentHuntID)

	flows, err = env.store.ListFlowObjects(ctx, 2, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, flows)

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Counters.NumClients)
}

func TestClientLimitCompletesHunt(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)
	env.addClient(t, 2, "Linux", "b", nil, time.Hour)
	env.addClient(t, 3, "Linux", "c", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", ClientLimit: 1})

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntCompleted, got.State)
	assert.EqualValues(t, 1, got.Counters.NumClients)
}

func TestClientRateThrottlesDispatch(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)
	env.addClient(t, 2, "Linux", "b", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", ClientRate: 1})

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntStarted, got.State)
	assert.EqualValues(t, 1, got.Counters.NumClients)
}

func TestEvaluateClientIsIdempotentPerHunt(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice"})

	require.NoError(t, env.dispatcher.EvaluateClient(ctx, 1))
	require.NoError(t, env.dispatcher.EvaluateClient(ctx, 1))

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Counters.NumClients)
	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}

func TestCrashCeilingStopsHunt(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", CrashLimit: 1})

	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	status, statusType, err := wire.MarshalPayload(&wire.Status{Result: wire.StatusClientKilled})
	require.NoError(t, err)
	require.NoError(t, env.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
		ClientID: 1, FlowID: flows[0].FlowID, RequestID: 1, ResponseID: 1,
		Kind: datastore.ResponseStatus, PayloadType: statusType, Payload: status,
	}}))
	require.NoError(t, env.engine.ProcessFlow(ctx, 1, flows[0].FlowID, "w", time.Minute))

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntStopped, got.State)
	assert.Contains(t, got.StopReason, "crash")
	assert.EqualValues(t, 1, got.Counters.NumCrashed)
}

func TestAverageCeilingsWaitForSample(t *testing.T) {
	env := newTestEnv(t, 1000) // far more clients than this test dispatches
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", AvgCPUSecondsLimit: 0.1})

	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	status, statusType, err := wire.MarshalPayload(&wire.Status{
		Result:      wire.StatusOK,
		CPUTimeUsed: wire.CPUSeconds{UserCPUTime: 900},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
		ClientID: 1, FlowID: flows[0].FlowID, RequestID: 1, ResponseID: 1,
		Kind: datastore.ResponseStatus, PayloadType: statusType, Payload: status,
	}}))
	require.NoError(t, env.engine.ProcessFlow(ctx, 1, flows[0].FlowID, "w", time.Minute))

	// One client is far below the sample floor, so the hunt keeps running.
	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntStarted, got.State)
	assert.InDelta(t, 900, got.Counters.TotalCPU, 0.001)
}

func TestCPUCeilingStopsHuntOnceSampled(t *testing.T) {
	env := newTestEnv(t, 1) // every client counts immediately
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", AvgCPUSecondsLimit: 10})

	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, flows, 1)

	status, statusType, err := wire.MarshalPayload(&wire.Status{
		Result:      wire.StatusOK,
		CPUTimeUsed: wire.CPUSeconds{UserCPUTime: 900},
	})
	require.NoError(t, err)
	require.NoError(t, env.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
		ClientID: 1, FlowID: flows[0].FlowID, RequestID: 1, ResponseID: 1,
		Kind: datastore.ResponseStatus, PayloadType: statusType, Payload: status,
	}}))
	require.NoError(t, env.engine.ProcessFlow(ctx, 1, flows[0].FlowID, "w", time.Minute))

	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntStopped, got.State)
	assert.Contains(t, got.StopReason, "cpu")
}

func TestNetworkCeilingUsesFractionalAverage(t *testing.T) {
	env := newTestEnv(t, 2)
	ctx := context.Background()
	env.addClient(t, 1, "Linux", "a", nil, time.Hour)
	env.addClient(t, 2, "Linux", "b", nil, time.Hour)

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice", AvgNetworkLimit: 10})

	for _, tc := range []struct {
		client ids.ClientID
		sent   uint64
	}{{1, 11}, {2, 10}} {
		flows, err := env.store.ListFlowObjects(ctx, tc.client, 0, 0)
		require.NoError(t, err)
		require.Len(t, flows, 1)

		status, statusType, err := wire.MarshalPayload(&wire.Status{
			Result: wire.StatusOK, NetworkBytesSent: tc.sent,
		})
		require.NoError(t, err)
		require.NoError(t, env.store.WriteFlowResponses(ctx, []*datastore.FlowResponse{{
			ClientID: tc.client, FlowID: flows[0].FlowID, RequestID: 1, ResponseID: 1,
			Kind: datastore.ResponseStatus, PayloadType: statusType, Payload: status,
		}}))
		require.NoError(t, env.engine.ProcessFlow(ctx, tc.client, flows[0].FlowID, "w", time.Minute))
	}

	// 21 bytes over 2 clients averages 10.5; integer division would round
	// that down to the limit and keep the hunt running.
	got, err := env.store.ReadHuntObject(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, datastore.HuntStopped, got.State)
	assert.Contains(t, got.StopReason, "network")
	assert.EqualValues(t, 21, got.Counters.TotalNetwork)
}

func TestStopHuntHaltsFanOut(t *testing.T) {
	env := newTestEnv(t, 1000)
	ctx := context.Background()

	h := env.createStartedHunt(t, &datastore.Hunt{Creator: "alice"})
	require.NoError(t, env.dispatcher.StopHunt(ctx, h.ID, "operator stop"))

	env.addClient(t, 1, "Linux", "a", nil, time.Hour)
	require.NoError(t, env.dispatcher.EvaluateClient(ctx, 1))

	flows, err := env.store.ListFlowObjects(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, flows)
}

func TestRuleMatching(t *testing.T) {
	now := time.Now()
	client := &datastore.Client{
		ID:        1,
		FirstSeen: now.Add(-72 * time.Hour),
		Labels:    []datastore.Label{{Owner: "ops", Name: "prod"}},
	}
	raw, _, err := wire.MarshalPayload(&wire.KnowledgeBase{System: "Linux", Hostname: "web-01"})
	require.NoError(t, err)
	snap := &datastore.ClientSnapshot{ClientID: 1, Knowledge: raw}

	cases := []struct {
		name string
		rs   datastore.ClientRuleSet
		want bool
	}{
		{"os match", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "os", Value: "linux"}}}, true},
		{"os mismatch", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "os", Value: "Windows"}}}, false},
		{"label match", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "label", Value: "prod"}}}, true},
		{"hostname regex", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "regex_hostname", Value: "^web-"}}}, true},
		{"min age met", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "min_age_days", Value: "2"}}}, true},
		{"min age unmet", datastore.ClientRuleSet{Rules: []datastore.ClientRule{{Kind: "min_age_days", Value: "30"}}}, false},
		{"all needs every rule", datastore.ClientRuleSet{Rules: []datastore.ClientRule{
			{Kind: "os", Value: "Linux"}, {Kind: "label", Value: "staging"},
		}}, false},
		{"any needs one rule", datastore.ClientRuleSet{MatchMode: "ANY", Rules: []datastore.ClientRule{
			{Kind: "os", Value: "Windows"}, {Kind: "label", Value: "prod"},
		}}, true},
		{"empty rule set matches", datastore.ClientRuleSet{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Matches(&tc.rs, client, snap, now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
