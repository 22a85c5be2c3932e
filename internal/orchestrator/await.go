package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// PollFunc checks whether a collaborator has allocated a value yet.
// It returns ready=false while the value is pending; any error is fatal.
type PollFunc func(ctx context.Context) (value string, ready bool, err error)

// AwaitPolicy bounds how long Await keeps polling.
type AwaitPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

// DefaultAwaitPolicy polls up to 30 times, doubling from 2s to at most 30s.
func DefaultAwaitPolicy() AwaitPolicy {
	return AwaitPolicy{
		Attempts: 30,
		Delay:    2 * time.Second,
		MaxDelay: 30 * time.Second,
		Clock:    clock.WallClock,
	}
}

func (p AwaitPolicy) withDefaults() AwaitPolicy {
	d := DefaultAwaitPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.MaxDelay < p.Delay {
		p.MaxDelay = p.Delay
	}
	if p.Clock == nil {
		p.Clock = d.Clock
	}
	return p
}

var errPending = errors.New("value pending")

// Await polls until the value for handle is allocated. The handle name is
// used for reporting only. When the budget is spent it returns a
// *wetwire.HandleTimeoutError.
func (sc *StageContext) Await(ctx context.Context, handle string, poll PollFunc) (string, error) {
	policy := sc.policy.withDefaults()
	observer := sc.observer
	if observer == nil {
		observer = nopObserver{}
	}
	log := sc.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	var value string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			v, ready, err := poll(ctx)
			if err != nil {
				return err
			}
			if !ready {
				return errPending
			}
			value = v
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errPending)
		},
		NotifyFunc: func(err error, attempt int) {
			observer.HandlePolled(sc.Stage, handle, attempt)
			log.WithFields(logrus.Fields{"handle": handle, "attempt": attempt}).Debug("waiting for allocation")
		},
		Attempts:    policy.Attempts,
		Delay:       policy.Delay,
		MaxDelay:    policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       policy.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return value, nil
	}
	if retry.IsAttemptsExceeded(err) {
		return "", &wetwire.HandleTimeoutError{Stage: sc.Stage, Handle: handle, Attempts: policy.Attempts}
	}
	if retry.IsRetryStopped(err) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
	}
	return "", err
}
