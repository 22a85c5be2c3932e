package wetwire_vpn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateHandle is returned when two stages declare the same produced handle.
var ErrDuplicateHandle = errors.New("handle produced by more than one stage")

// CycleError reports a dependency cycle between stages.
type CycleError struct {
	// Cycle lists the stages on the cycle; the first stage is repeated at the end.
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency detected"
	}
	return "circular dependency detected: " + strings.Join(e.Cycle, " → ")
}

// UnresolvedHandleError reports a consumed handle that no stage produces.
type UnresolvedHandleError struct {
	Stage  string
	Handle string
}

func (e *UnresolvedHandleError) Error() string {
	return fmt.Sprintf("stage %s consumes %s, which no stage produces", e.Stage, e.Handle)
}

// AlreadyAttachedError reports an attempt to attach a managed gateway to a
// second network.
type AlreadyAttachedError struct {
	GatewayID          string
	AttachedNetworkID  string
	RequestedNetworkID string
}

func (e *AlreadyAttachedError) Error() string {
	return fmt.Sprintf("gateway %s is already attached to %s, cannot attach to %s",
		e.GatewayID, e.AttachedNetworkID, e.RequestedNetworkID)
}

// InvalidAddressError reports an address or CIDR that cannot be used.
type InvalidAddressError struct {
	Address string
	Reason  string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Address, e.Reason)
}

// TopologyMismatchError reports a value that disagrees with the topology's
// recorded ground truth.
type TopologyMismatchError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *TopologyMismatchError) Error() string {
	return fmt.Sprintf("topology mismatch on %s: expected %s, got %s", e.Field, e.Expected, e.Actual)
}

// HandleTimeoutError reports that a collaborator did not allocate a value
// within the poll budget.
type HandleTimeoutError struct {
	Stage    string
	Handle   string
	Attempts int
	Err      error
}

func (e *HandleTimeoutError) Error() string {
	msg := fmt.Sprintf("stage %s: handle %s not resolved after %d attempts", e.Stage, e.Handle, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *HandleTimeoutError) Unwrap() error { return e.Err }

// ProvisioningError wraps any failure from the provisioning collaborator.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Provisioning wraps err as a ProvisioningError unless it is nil or already one.
func Provisioning(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProvisioningError
	if errors.As(err, &pe) {
		return err
	}
	return &ProvisioningError{Op: op, Err: err}
}

// ConfigChangedError reports a recorded stage whose configuration changed
// although its resources cannot be updated in place.
type ConfigChangedError struct {
	Stage string
	Keys  []string
}

func (e *ConfigChangedError) Error() string {
	return fmt.Sprintf("stage %s: configuration of %s changed and cannot be applied in place; tear down and apply again",
		e.Stage, strings.Join(e.Keys, ", "))
}

// StageError is the failure report of a build: the failing stage, the cause,
// and the last stage that completed so a retry or teardown can resume there.
type StageError struct {
	Stage         string
	LastCompleted string
	Err           error
}

func (e *StageError) Error() string {
	last := e.LastCompleted
	if last == "" {
		last = "none"
	}
	return fmt.Sprintf("stage %s failed (last completed: %s): %v", e.Stage, last, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
