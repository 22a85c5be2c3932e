// Package orchestrator materializes a set of named stages in dependency
// order, passing values between them as handles and recording each
// completed stage so a build can resume or be torn down.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	wetwire "github.com/lex00/wetwire-vpn-go"
	"github.com/lex00/wetwire-vpn-go/internal/state"
)

// Options configures an Orchestrator.
type Options struct {
	Store    state.Store
	Logger   logrus.FieldLogger
	Observer Observer
	Await    AwaitPolicy
	// Force re-materializes stages that are already recorded.
	Force bool
	// Now is the timestamp source for stage records.
	Now func() time.Time
}

// Orchestrator owns the stage list and runs it.
type Orchestrator struct {
	stages map[string]*Stage
	names  []string
	opts   Options
}

// New validates the stage list. Stage names must be unique and non-empty.
func New(stages []Stage, opts Options) (*Orchestrator, error) {
	o := &Orchestrator{stages: make(map[string]*Stage, len(stages))}
	for i := range stages {
		st := stages[i]
		if st.Name == "" {
			return nil, errors.New("stage without a name")
		}
		if _, ok := o.stages[st.Name]; ok {
			return nil, fmt.Errorf("duplicate stage %q", st.Name)
		}
		o.stages[st.Name] = &st
		o.names = append(o.names, st.Name)
	}
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o.opts = opts
	return o, nil
}

// Stages returns the stages in declaration order.
func (o *Orchestrator) Stages() []Stage {
	out := make([]Stage, 0, len(o.names))
	for _, name := range o.names {
		out = append(out, *o.stages[name])
	}
	return out
}

// Stage returns the named stage.
func (o *Orchestrator) Stage(name string) (Stage, bool) {
	st, ok := o.stages[name]
	if !ok {
		return Stage{}, false
	}
	return *st, true
}

// Plan resolves the order and reports which stages are already recorded
// with their current configuration.
func (o *Orchestrator) Plan(ctx context.Context) (*wetwire.PlanResult, error) {
	order, err := o.ResolveOrder()
	if err != nil {
		return nil, err
	}
	done, err := state.Snapshot(ctx, o.opts.Store)
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}

	result := &wetwire.PlanResult{Success: true}
	for _, name := range order {
		st := o.stages[name]
		rec, recorded := done[name]
		changed := recorded && !sameHandles(rec.Config, st.Config)
		result.Order = append(result.Order, wetwire.PlanStage{
			Name:      name,
			Produces:  sortedCopy(st.Produces),
			Consumes:  sortedCopy(st.Consumes),
			DependsOn: sortedCopy(st.DependsOn),
			Completed: recorded && !changed,
			Changed:   changed,
		})
	}
	return result, nil
}

// Run materializes every stage in order. On failure the remaining stages are
// skipped and a *wetwire.StageError naming the last completed stage is
// returned; nothing is rolled back. The registry holds every handle
// published before the failure.
func (o *Orchestrator) Run(ctx context.Context) (*Registry, error) {
	order, err := o.ResolveOrder()
	if err != nil {
		return nil, err
	}

	reg := NewRegistry()
	var last string
	for _, name := range order {
		st := o.stages[name]
		log := o.opts.Logger.WithField("stage", name)

		if err := ctx.Err(); err != nil {
			return reg, &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}

		in, err := reg.Select(st.Consumes)
		if err != nil {
			return reg, &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}

		var prev *wetwire.StageRecord
		if !o.opts.Force {
			resumed, rec, err := o.resume(ctx, st, in, reg, log)
			if err != nil {
				o.opts.Observer.StageFailed(name, err)
				log.WithError(err).Error("stage failed")
				return reg, &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
			}
			if resumed {
				last = name
				continue
			}
			prev = rec
		}

		if err := o.materialize(ctx, st, in, prev, reg, log); err != nil {
			o.opts.Observer.StageFailed(name, err)
			log.WithError(err).Error("stage failed")
			return reg, &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}
		last = name
	}
	return reg, nil
}

// resume republishes a recorded stage whose inputs and config are unchanged.
// Otherwise it returns the record the next materialization replaces.
func (o *Orchestrator) resume(ctx context.Context, st *Stage, in wetwire.Handles, reg *Registry, log logrus.FieldLogger) (bool, *wetwire.StageRecord, error) {
	rec, err := o.opts.Store.Get(ctx, st.Name)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("reading state: %w", err)
	}
	if changed := changedKeys(rec.Config, st.Config); len(changed) > 0 {
		if !st.InPlace {
			return false, nil, &wetwire.ConfigChangedError{Stage: st.Name, Keys: changed}
		}
		log.WithField("changed", strings.Join(changed, ",")).Info("configuration changed, materializing again")
		return false, rec, nil
	}
	if !sameHandles(rec.Inputs, in) {
		log.Info("inputs changed, materializing again")
		return false, rec, nil
	}
	if err := checkProduced(st, rec.Outputs); err != nil {
		log.WithError(err).Warn("recorded outputs are stale, materializing again")
		return false, rec, nil
	}
	if err := reg.Publish(rec.Outputs); err != nil {
		return false, nil, err
	}
	o.opts.Observer.StageCompleted(st.Name, 0, true)
	log.Debug("already materialized")
	return true, nil, nil
}

func (o *Orchestrator) materialize(ctx context.Context, st *Stage, in wetwire.Handles, prev *wetwire.StageRecord, reg *Registry, log logrus.FieldLogger) error {
	if st.Materialize == nil {
		return errors.New("stage has no materialize function")
	}
	o.opts.Observer.StageStarted(st.Name)
	log.Info("materializing")
	start := o.opts.Now()

	sc := &StageContext{
		Stage:    st.Name,
		In:       in.Clone(),
		Log:      log,
		Previous: prev,
		policy:   o.opts.Await,
		observer: o.opts.Observer,
	}
	out, err := st.Materialize(ctx, sc)
	if err != nil {
		return err
	}
	if err := checkProduced(st, out); err != nil {
		return err
	}
	if err := reg.Publish(out); err != nil {
		return err
	}
	rec := wetwire.StageRecord{
		Stage:       st.Name,
		Inputs:      in,
		Outputs:     out.Clone(),
		Config:      st.Config.Clone(),
		CompletedAt: o.opts.Now().UTC().Format(time.RFC3339),
	}
	if err := o.opts.Store.Put(ctx, rec); err != nil {
		return fmt.Errorf("recording state: %w", err)
	}

	elapsed := o.opts.Now().Sub(start)
	o.opts.Observer.StageCompleted(st.Name, elapsed, false)
	for _, name := range out.Names() {
		log.WithField("handle", name).Debugf("published %s", out[name])
	}
	return nil
}

// Teardown walks the stages in reverse order and tears down those recorded
// in state, deleting each record afterwards. On failure it returns a
// *wetwire.StageError whose LastCompleted is the last stage torn down.
func (o *Orchestrator) Teardown(ctx context.Context) error {
	order, err := o.ResolveOrder()
	if err != nil {
		return err
	}

	var last string
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		st := o.stages[name]
		log := o.opts.Logger.WithField("stage", name)

		if err := ctx.Err(); err != nil {
			return &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}

		rec, err := o.opts.Store.Get(ctx, name)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}

		if st.Teardown != nil {
			log.Info("tearing down")
			if err := st.Teardown(ctx, *rec); err != nil {
				o.opts.Observer.StageFailed(name, err)
				return &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
			}
		}
		if err := o.opts.Store.Delete(ctx, name); err != nil {
			return &wetwire.StageError{Stage: name, LastCompleted: last, Err: err}
		}
		last = name
	}
	return nil
}

// checkProduced verifies out holds exactly the declared handles.
func checkProduced(st *Stage, out wetwire.Handles) error {
	declared := make(map[string]bool, len(st.Produces))
	for _, h := range st.Produces {
		declared[h] = true
		if _, ok := out[h]; !ok {
			return fmt.Errorf("stage %s did not produce %s", st.Name, h)
		}
	}
	for _, h := range out.Names() {
		if !declared[h] {
			return fmt.Errorf("stage %s produced undeclared handle %s", st.Name, h)
		}
	}
	return nil
}

func sameHandles(a, b wetwire.Handles) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// changedKeys lists the keys whose values differ between two configs.
func changedKeys(recorded, current wetwire.Handles) []string {
	var out []string
	for k, v := range current {
		if rv, ok := recorded[k]; !ok || rv != v {
			out = append(out, k)
		}
	}
	for k := range recorded {
		if _, ok := current[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
