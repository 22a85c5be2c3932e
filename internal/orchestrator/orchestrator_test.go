package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/state"
)

// produce returns a stage that publishes "<name>.<h>" = "<name>-<h>" for each h.
func produce(name string, handles []string, consumes ...string) Stage {
	var produces []string
	for _, h := range handles {
		produces = append(produces, wetwire.HandleName(name, h))
	}
	return Stage{
		Name:     name,
		Produces: produces,
		Consumes: consumes,
		Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			out := make(wetwire.Handles)
			for _, h := range handles {
				out[wetwire.HandleName(name, h)] = name + "-" + h
			}
			return out, nil
		},
	}
}

func siteStages() []Stage {
	return []Stage{
		produce("vpn-connection-b", []string{"vpn_connection_id"},
			"customer-gateway-a.customer_gateway_id", "gateway-b.gateway_id"),
		produce("network-a", []string{"network_id", "cidr"}),
		produce("gateway-b", []string{"gateway_id"}, "network-b.network_id"),
		produce("customer-gateway-a", []string{"customer_gateway_id"}, "endpoint-a.public_ip"),
		produce("network-b", []string{"network_id", "cidr"}),
		produce("endpoint-a", []string{"instance_id", "public_ip"}, "network-a.network_id"),
		produce("routes-b", []string{"routes"}, "network-b.network_id", "network-a.cidr",
			"gateway-b.gateway_id", "vpn-connection-b.vpn_connection_id"),
	}
}

func newOrchestrator(t *testing.T, stages []Stage, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(stages, opts)
	require.NoError(t, err)
	return o
}

func TestResolveOrder_ProducersFirst(t *testing.T) {
	o := newOrchestrator(t, siteStages(), Options{})

	order, err := o.ResolveOrder()
	require.NoError(t, err)
	require.Len(t, order, 7)

	position := make(map[string]int)
	for i, name := range order {
		position[name] = i
	}
	deps, err := o.dependencies()
	require.NoError(t, err)
	for stage, ds := range deps {
		for _, d := range ds {
			assert.Less(t, position[d], position[stage], "%s must come before %s", d, stage)
		}
	}
}

func TestResolveOrder_Deterministic(t *testing.T) {
	o := newOrchestrator(t, siteStages(), Options{})
	first, err := o.ResolveOrder()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		again, err := o.ResolveOrder()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"network-a", "endpoint-a", "customer-gateway-a", "network-b", "gateway-b", "vpn-connection-b", "routes-b"}, first)
}

func TestResolveOrder_Cycle(t *testing.T) {
	stages := []Stage{
		produce("a", []string{"x"}, "c.z"),
		produce("b", []string{"y"}, "a.x"),
		produce("c", []string{"z"}, "b.y"),
		produce("d", []string{"w"}),
	}
	o := newOrchestrator(t, stages, Options{})

	order, err := o.ResolveOrder()
	assert.Nil(t, order)

	var ce *wetwire.CycleError
	require.True(t, errors.As(err, &ce))
	require.Len(t, ce.Cycle, 4)
	assert.Equal(t, ce.Cycle[0], ce.Cycle[len(ce.Cycle)-1])
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ce.Cycle[:3])
	assert.NotContains(t, ce.Cycle, "d")
}

func TestResolveOrder_SelfDependency(t *testing.T) {
	o := newOrchestrator(t, []Stage{produce("a", []string{"x"}, "a.x")}, Options{})
	_, err := o.ResolveOrder()
	var ce *wetwire.CycleError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"a", "a"}, ce.Cycle)
}

func TestResolveOrder_Unresolved(t *testing.T) {
	o := newOrchestrator(t, []Stage{produce("routes-b", []string{"routes"}, "gateway-b.gateway_id")}, Options{})
	_, err := o.ResolveOrder()

	var ue *wetwire.UnresolvedHandleError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "routes-b", ue.Stage)
	assert.Equal(t, "gateway-b.gateway_id", ue.Handle)
}

func TestResolveOrder_DuplicateHandle(t *testing.T) {
	a := produce("a", []string{"x"})
	b := produce("b", []string{"y"})
	b.Produces = []string{"a.x"}
	o := newOrchestrator(t, []Stage{a, b}, Options{})

	_, err := o.ResolveOrder()
	assert.ErrorIs(t, err, wetwire.ErrDuplicateHandle)
}

func TestResolveOrder_DependsOn(t *testing.T) {
	a := produce("a", []string{"x"})
	a.DependsOn = []string{"b"}
	o := newOrchestrator(t, []Stage{a, produce("b", []string{"y"})}, Options{})

	order, err := o.ResolveOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, order)

	bad := produce("c", nil)
	bad.DependsOn = []string{"missing"}
	o = newOrchestrator(t, []Stage{bad}, Options{})
	_, err = o.ResolveOrder()
	assert.Error(t, err)
}

func TestNew_RejectsDuplicateStages(t *testing.T) {
	_, err := New([]Stage{produce("a", nil), produce("a", nil)}, Options{})
	assert.Error(t, err)

	_, err = New([]Stage{{}}, Options{})
	assert.Error(t, err)
}

func TestRun_LeastPrivilegeInputs(t *testing.T) {
	var seen wetwire.Handles
	consumer := Stage{
		Name:     "endpoint-a",
		Produces: []string{"endpoint-a.instance_id"},
		Consumes: []string{"network-a.network_id"},
		Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			seen = sc.In
			_, err := sc.Get("network-b.network_id")
			assert.Error(t, err)
			return wetwire.Handles{"endpoint-a.instance_id": "i-1"}, nil
		},
	}
	o := newOrchestrator(t, []Stage{
		produce("network-a", []string{"network_id", "cidr"}),
		produce("network-b", []string{"network_id"}),
		consumer,
	}, Options{})

	reg, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wetwire.Handles{"network-a.network_id": "network-a-network_id"}, seen)

	v, ok := reg.Lookup("endpoint-a.instance_id")
	assert.True(t, ok)
	assert.Equal(t, "i-1", v)
}

func TestRun_ProducedMustMatchDeclared(t *testing.T) {
	tests := []struct {
		name string
		out  wetwire.Handles
		msg  string
	}{
		{name: "missing", out: wetwire.Handles{}, msg: "did not produce"},
		{name: "extra", out: wetwire.Handles{"a.x": "1", "a.y": "2"}, msg: "undeclared handle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := Stage{
				Name:     "a",
				Produces: []string{"a.x"},
				Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
					return tt.out, nil
				},
			}
			o := newOrchestrator(t, []Stage{st}, Options{})
			_, err := o.Run(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRun_AbortReportsLastCompleted(t *testing.T) {
	store := state.NewMemoryStore()
	boom := errors.New("insufficient capacity")
	ran := make(map[string]bool)

	stages := siteStages()
	for i := range stages {
		name := stages[i].Name
		inner := stages[i].Materialize
		stages[i].Materialize = func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			ran[name] = true
			if name == "customer-gateway-a" {
				return nil, boom
			}
			return inner(ctx, sc)
		}
	}

	o := newOrchestrator(t, stages, Options{Store: store})
	reg, err := o.Run(context.Background())

	var se *wetwire.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "customer-gateway-a", se.Stage)
	assert.Equal(t, "endpoint-a", se.LastCompleted)
	assert.ErrorIs(t, err, boom)

	assert.False(t, ran["network-b"])
	assert.False(t, ran["routes-b"])

	_, ok := reg.Lookup("endpoint-a.public_ip")
	assert.True(t, ok)

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	var recorded []string
	for _, r := range recs {
		recorded = append(recorded, r.Stage)
	}
	assert.Equal(t, []string{"endpoint-a", "network-a"}, recorded)
}

func TestRun_ResumesRecordedStages(t *testing.T) {
	store := state.NewMemoryStore()
	calls := make(map[string]int)
	fail := true

	stages := siteStages()
	for i := range stages {
		name := stages[i].Name
		inner := stages[i].Materialize
		stages[i].Materialize = func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			calls[name]++
			if name == "gateway-b" && fail {
				return nil, errors.New("throttled")
			}
			return inner(ctx, sc)
		}
	}

	o := newOrchestrator(t, stages, Options{Store: store})
	_, err := o.Run(context.Background())
	require.Error(t, err)

	fail = false
	reg, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls["network-a"])
	assert.Equal(t, 1, calls["endpoint-a"])
	assert.Equal(t, 2, calls["gateway-b"])
	assert.Equal(t, 1, calls["routes-b"])

	v, ok := reg.Lookup("network-a.cidr")
	assert.True(t, ok)
	assert.Equal(t, "network-a-cidr", v)

	o = newOrchestrator(t, stages, Options{Store: store, Force: true})
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls["network-a"])
}

func TestRun_ChangedInputsRematerialize(t *testing.T) {
	store := state.NewMemoryStore()
	cidr := "10.0.0.0/16"
	calls := 0

	stages := []Stage{
		{
			Name:     "network-a",
			Produces: []string{"network-a.cidr"},
			Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
				return wetwire.Handles{"network-a.cidr": cidr}, nil
			},
		},
		{
			Name:     "routes-b",
			Produces: []string{"routes-b.routes"},
			Consumes: []string{"network-a.cidr"},
			Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
				calls++
				return wetwire.Handles{"routes-b.routes": "[]"}, nil
			},
		},
	}
	o := newOrchestrator(t, stages, Options{Store: store})
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	// network-a is resumed with its recorded cidr, so routes-b is unchanged
	cidr = "10.1.0.0/16"
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	require.NoError(t, store.Delete(context.Background(), "network-a"))
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRun_ChangedConfigRematerializesInPlace(t *testing.T) {
	store := state.NewMemoryStore()
	var previous []*wetwire.StageRecord

	stage := Stage{
		Name:     "tunnel-a",
		Produces: []string{"tunnel-a.configs"},
		Config:   wetwire.Handles{"dpdAction": "restart"},
		InPlace:  true,
		Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			previous = append(previous, sc.Previous)
			return wetwire.Handles{"tunnel-a.configs": "[]"}, nil
		},
	}
	_, err := newOrchestrator(t, []Stage{stage}, Options{Store: store}).Run(context.Background())
	require.NoError(t, err)

	_, err = newOrchestrator(t, []Stage{stage}, Options{Store: store}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, previous, 1, "unchanged config resumes")

	stage.Config = wetwire.Handles{"dpdAction": "clear"}
	_, err = newOrchestrator(t, []Stage{stage}, Options{Store: store}).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, previous, 2)
	assert.Nil(t, previous[0])
	require.NotNil(t, previous[1])
	assert.Equal(t, "restart", previous[1].Config["dpdAction"])

	rec, err := store.Get(context.Background(), "tunnel-a")
	require.NoError(t, err)
	assert.Equal(t, "clear", rec.Config["dpdAction"])
}

func TestRun_ChangedConfigNotInPlace(t *testing.T) {
	store := state.NewMemoryStore()
	stages := []Stage{
		produce("network-a", []string{"network_id"}),
		produce("customer-gateway-a", []string{"customer_gateway_id"}, "network-a.network_id"),
	}
	stages[1].Config = wetwire.Handles{"asn": "65000"}
	_, err := newOrchestrator(t, stages, Options{Store: store}).Run(context.Background())
	require.NoError(t, err)

	stages[1].Config = wetwire.Handles{"asn": "65010"}
	_, err = newOrchestrator(t, stages, Options{Store: store}).Run(context.Background())

	var se *wetwire.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "customer-gateway-a", se.Stage)
	assert.Equal(t, "network-a", se.LastCompleted)
	var ce *wetwire.ConfigChangedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, []string{"asn"}, ce.Keys)

	rec, err := store.Get(context.Background(), "customer-gateway-a")
	require.NoError(t, err)
	assert.Equal(t, "65000", rec.Config["asn"])
}

func TestChangedKeys(t *testing.T) {
	assert.Empty(t, changedKeys(nil, wetwire.Handles{}))
	assert.Equal(t, []string{"ike", "keyName", "ssmRole"}, changedKeys(
		wetwire.Handles{"ike": "aes256", "ssmRole": "true", "cidr": "10.0.0.0/16"},
		wetwire.Handles{"ike": "aes128", "keyName": "ops", "cidr": "10.0.0.0/16"},
	))
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newOrchestrator(t, siteStages(), Options{})
	_, err := o.Run(ctx)
	var se *wetwire.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "", se.LastCompleted)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTeardown_ReverseOrder(t *testing.T) {
	store := state.NewMemoryStore()
	var torn []string
	var inputs = make(map[string]wetwire.Handles)

	stages := siteStages()
	for i := range stages {
		name := stages[i].Name
		stages[i].Teardown = func(ctx context.Context, rec wetwire.StageRecord) error {
			torn = append(torn, name)
			inputs[name] = rec.Inputs
			return nil
		}
	}
	o := newOrchestrator(t, stages, Options{Store: store})
	order, err := o.ResolveOrder()
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, o.Teardown(context.Background()))

	reversed := make([]string, len(order))
	for i, name := range order {
		reversed[len(order)-1-i] = name
	}
	assert.Equal(t, reversed, torn)
	assert.Equal(t, "network-a-network_id", inputs["endpoint-a"]["network-a.network_id"])

	recs, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestTeardown_SkipsUnrecordedAndReportsFailure(t *testing.T) {
	store := state.NewMemoryStore()
	stages := siteStages()
	for i := range stages {
		name := stages[i].Name
		stages[i].Teardown = func(ctx context.Context, rec wetwire.StageRecord) error {
			if name == "network-a" {
				return errors.New("dependency violation")
			}
			return nil
		}
	}
	o := newOrchestrator(t, stages, Options{Store: store})

	require.NoError(t, store.Put(context.Background(), wetwire.StageRecord{Stage: "network-a"}))
	require.NoError(t, store.Put(context.Background(), wetwire.StageRecord{Stage: "endpoint-a"}))

	err := o.Teardown(context.Background())
	var se *wetwire.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "network-a", se.Stage)
	assert.Equal(t, "endpoint-a", se.LastCompleted)

	_, err = store.Get(context.Background(), "network-a")
	assert.NoError(t, err)
}

func TestPlan_MarksCompleted(t *testing.T) {
	store := state.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), wetwire.StageRecord{Stage: "network-a"}))

	o := newOrchestrator(t, siteStages(), Options{Store: store})
	plan, err := o.Plan(context.Background())
	require.NoError(t, err)
	assert.True(t, plan.Success)
	require.Len(t, plan.Order, 7)
	assert.Equal(t, "network-a", plan.Order[0].Name)
	assert.True(t, plan.Order[0].Completed)
	assert.False(t, plan.Order[1].Completed)
}

func TestPlan_MarksChangedConfig(t *testing.T) {
	store := state.NewMemoryStore()
	stages := siteStages()
	for i := range stages {
		if stages[i].Name == "network-a" {
			stages[i].Config = wetwire.Handles{"cidr": "10.0.0.0/16"}
		}
	}
	_, err := newOrchestrator(t, stages, Options{Store: store}).Run(context.Background())
	require.NoError(t, err)

	plan, err := newOrchestrator(t, stages, Options{Store: store}).Plan(context.Background())
	require.NoError(t, err)
	for _, st := range plan.Order {
		assert.True(t, st.Completed, st.Name)
		assert.False(t, st.Changed, st.Name)
	}

	stages[1].Config = wetwire.Handles{"cidr": "10.1.0.0/16"}
	plan, err = newOrchestrator(t, stages, Options{Store: store}).Plan(context.Background())
	require.NoError(t, err)
	require.Equal(t, "network-a", plan.Order[0].Name)
	assert.False(t, plan.Order[0].Completed)
	assert.True(t, plan.Order[0].Changed)
	assert.True(t, plan.Order[1].Completed)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	polls  int
}

func (r *recordingObserver) StageStarted(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "start:"+stage)
}

func (r *recordingObserver) StageCompleted(stage string, _ time.Duration, resumed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if resumed {
		r.events = append(r.events, "resume:"+stage)
		return
	}
	r.events = append(r.events, "done:"+stage)
}

func (r *recordingObserver) StageFailed(stage string, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "fail:"+stage)
}

func (r *recordingObserver) HandlePolled(string, string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls++
}

func fastPolicy(attempts int) AwaitPolicy {
	return AwaitPolicy{Attempts: attempts, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestAwait_ResolvesAfterPolls(t *testing.T) {
	obs := &recordingObserver{}
	polls := 0
	st := Stage{
		Name:     "endpoint-a",
		Produces: []string{"endpoint-a.public_ip"},
		Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			ip, err := sc.Await(ctx, "endpoint-a.public_ip", func(ctx context.Context) (string, bool, error) {
				polls++
				if polls < 3 {
					return "", false, nil
				}
				return "52.95.110.10", true, nil
			})
			if err != nil {
				return nil, err
			}
			return wetwire.Handles{"endpoint-a.public_ip": ip}, nil
		},
	}
	o := newOrchestrator(t, []Stage{st}, Options{Observer: obs, Await: fastPolicy(5)})

	reg, err := o.Run(context.Background())
	require.NoError(t, err)
	v, _ := reg.Lookup("endpoint-a.public_ip")
	assert.Equal(t, "52.95.110.10", v)
	assert.Equal(t, 3, polls)
	assert.Equal(t, 2, obs.polls)
	assert.Equal(t, []string{"start:endpoint-a", "done:endpoint-a"}, obs.events)
}

func TestAwait_Timeout(t *testing.T) {
	obs := &recordingObserver{}
	st := Stage{
		Name:     "endpoint-a",
		Produces: []string{"endpoint-a.public_ip"},
		Materialize: func(ctx context.Context, sc *StageContext) (wetwire.Handles, error) {
			_, err := sc.Await(ctx, "endpoint-a.public_ip", func(ctx context.Context) (string, bool, error) {
				return "", false, nil
			})
			return nil, err
		},
	}
	o := newOrchestrator(t, []Stage{st}, Options{Observer: obs, Await: fastPolicy(4)})

	_, err := o.Run(context.Background())
	var hte *wetwire.HandleTimeoutError
	require.True(t, errors.As(err, &hte))
	assert.Equal(t, "endpoint-a.public_ip", hte.Handle)
	assert.Equal(t, 4, hte.Attempts)
	assert.Contains(t, obs.events, "fail:endpoint-a")
}

func TestAwait_FatalErrorStopsPolling(t *testing.T) {
	polls := 0
	denied := errors.New("unauthorized")
	sc := &StageContext{Stage: "endpoint-a", policy: fastPolicy(10)}

	_, err := sc.Await(context.Background(), "endpoint-a.public_ip", func(ctx context.Context) (string, bool, error) {
		polls++
		return "", false, denied
	})
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, 1, polls)
}

func TestAwait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sc := &StageContext{Stage: "endpoint-a", policy: AwaitPolicy{Attempts: 100, Delay: 20 * time.Millisecond}}

	polls := 0
	_, err := sc.Await(ctx, "endpoint-a.public_ip", func(ctx context.Context) (string, bool, error) {
		polls++
		cancel()
		return "", false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, polls)
}

func TestRegistry_AppendOnly(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Publish(wetwire.Handles{"a.x": "1"}))
	assert.Error(t, reg.Publish(wetwire.Handles{"a.x": "2"}))

	v, _ := reg.Lookup("a.x")
	assert.Equal(t, "1", v)

	_, err := reg.Select([]string{"a.x", "b.y"})
	assert.Error(t, err)

	snap := reg.Snapshot()
	snap["a.x"] = "changed"
	v, _ = reg.Lookup("a.x")
	assert.Equal(t, "1", v)
}
