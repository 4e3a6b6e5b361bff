// ABOUTME: Processing stages of an agent frame and their failure policy
// ABOUTME: StageError tags a failure with the stage that produced it

package ingest

import (
	"errors"
	"fmt"
)

// Stage names a step in frame processing.
type Stage string

const (
	StageTransport   Stage = "transport"
	StageProtocol    Stage = "protocol"
	StagePersistence Stage = "persistence"
	StageEvaluation  Stage = "evaluation"
	StageBroadcast   Stage = "broadcast"
	StageAck         Stage = "ack"
)

// Fatal reports whether a failure in this stage ends the connection.
func (s Stage) Fatal() bool {
	return s == StageTransport || s == StageProtocol
}

// StageError is a failure tagged with its stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageErrors flattens err, which may be a single *StageError or several
// joined with errors.Join, into its stage errors. Untagged errors are
// reported as protocol failures.
func StageErrors(err error) []*StageError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*StageError
		for _, e := range joined.Unwrap() {
			out = append(out, StageErrors(e)...)
		}
		return out
	}
	var se *StageError
	if errors.As(err, &se) {
		return []*StageError{se}
	}
	return []*StageError{{Stage: StageProtocol, Err: err}}
}

// IsFatal reports whether any stage in err ends the connection.
func IsFatal(err error) bool {
	for _, se := range StageErrors(err) {
		if se.Stage.Fatal() {
			return true
		}
	}
	return false
}
