package runtime

import (
	"context"
	"errors"

	"github.com/pithecene-io/shuttle/types"
)

// Process exit codes.
const (
	ExitCodeOK            = 0 // stopped on request
	ExitCodeFailure       = 1 // start-up, fixed target or event source failure
	ExitCodeConfiguration = 2 // invalid configuration or usage
)

// OutcomeStatus classifies how a sender run ended.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeStopped           OutcomeStatus = "stopped"
	OutcomeSourceFailure     OutcomeStatus = "source_failure"
	OutcomeTargetUnreachable OutcomeStatus = "target_unreachable"
	OutcomeConfigError       OutcomeStatus = "configuration_error"
)

// Outcome is the terminal state of a sender run.
type Outcome struct {
	Status  OutcomeStatus `json:"status"`
	Message string        `json:"message"`
	// Kind is the error taxonomy kind, when the failure carries one.
	Kind string `json:"kind,omitempty"`
}

// DetermineOutcome classifies the error returned by a run:
//   - nil or context cancellation: stopped
//   - configuration error: configuration_error
//   - communication error (an unreachable fixed target): target_unreachable
//   - anything else: source_failure
func DetermineOutcome(err error) *Outcome {
	if err == nil || errors.Is(err, context.Canceled) {
		return &Outcome{Status: OutcomeStopped, Message: "sender stopped"}
	}
	out := &Outcome{Message: err.Error(), Kind: errorKind(err)}
	switch {
	case errors.Is(err, types.ErrConfiguration):
		out.Status = OutcomeConfigError
	case errors.Is(err, types.ErrCommunication):
		out.Status = OutcomeTargetUnreachable
	default:
		out.Status = OutcomeSourceFailure
	}
	return out
}

// ExitCode maps an outcome to the process exit code.
func (o *Outcome) ExitCode() int {
	switch o.Status {
	case OutcomeStopped:
		return ExitCodeOK
	case OutcomeConfigError:
		return ExitCodeConfiguration
	default:
		return ExitCodeFailure
	}
}
