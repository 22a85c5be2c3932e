package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// MaterializeFunc creates the stage's resources. It receives only the
// handles the stage declared in Consumes and returns exactly the handles
// declared in Produces.
type MaterializeFunc func(ctx context.Context, sc *StageContext) (wetwire.Handles, error)

// TeardownFunc removes what a stage created, given its recorded inputs and
// outputs.
type TeardownFunc func(ctx context.Context, rec wetwire.StageRecord) error

// Stage is a named unit of materialization.
type Stage struct {
	Name string
	// Produces lists the handles the stage publishes, named
	// wetwire.HandleName(stage, handle).
	Produces []string
	// Consumes lists handles published by other stages.
	Consumes []string
	// DependsOn orders the stage after others without passing values.
	DependsOn []string
	// Config holds the settings the stage reads from outside its consumed
	// handles. A recorded stage whose config differs is not resumed.
	Config wetwire.Handles
	// InPlace marks a stage that can materialize over its own recorded
	// resources. A changed config on any other stage fails the run with a
	// *wetwire.ConfigChangedError.
	InPlace     bool
	Materialize MaterializeFunc
	Teardown    TeardownFunc
}

// Observer receives lifecycle events. Implementations must be safe to call
// from the goroutine running the orchestrator.
type Observer interface {
	StageStarted(stage string)
	StageCompleted(stage string, elapsed time.Duration, resumed bool)
	StageFailed(stage string, err error)
	HandlePolled(stage, handle string, attempt int)
}

type nopObserver struct{}

func (nopObserver) StageStarted(string)                       {}
func (nopObserver) StageCompleted(string, time.Duration, bool) {}
func (nopObserver) StageFailed(string, error)                  {}
func (nopObserver) HandlePolled(string, string, int)           {}

// StageContext is what a stage sees while materializing.
type StageContext struct {
	Stage string
	// In holds the consumed handles and nothing else.
	In  wetwire.Handles
	Log logrus.FieldLogger
	// Previous is the record being replaced, or nil on a first build.
	Previous *wetwire.StageRecord

	policy   AwaitPolicy
	observer Observer
}

// Get returns a consumed handle value.
func (sc *StageContext) Get(name string) (string, error) {
	v, ok := sc.In[name]
	if !ok {
		return "", &wetwire.UnresolvedHandleError{Stage: sc.Stage, Handle: name}
	}
	return v, nil
}

// Decode unmarshals a structured consumed handle.
func (sc *StageContext) Decode(name string, v any) error {
	if _, ok := sc.In[name]; !ok {
		return &wetwire.UnresolvedHandleError{Stage: sc.Stage, Handle: name}
	}
	return sc.In.Decode(name, v)
}
