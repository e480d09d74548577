package dumbbell

import (
	"errors"
	"strings"
)

var (
	// ErrConfig indicates an experiment description that cannot be built.
	// It is always reported before any virtual time has elapsed.
	ErrConfig = errors.New("dumbbell: invalid configuration")

	// ErrOrdering indicates an Experiment phase invoked out of sequence.
	ErrOrdering = errors.New("dumbbell: setup step out of order")

	// ErrSecondConnection is recorded by a PacketSink offered a second connection.
	ErrSecondConnection = errors.New("dumbbell: sink already has a connection")

	// ErrEngine wraps a failure raised while the event engine was running.
	ErrEngine = errors.New("dumbbell: event engine failure")

	// ErrNoRoute is returned by a lookup for a destination with no table entry.
	ErrNoRoute = errors.New("dumbbell: no route to destination")
)

// ReportErrs transforms a list of errors and transforms them
// into a single error, or nil when the list holds no errors
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}
