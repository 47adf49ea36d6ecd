package exports

import (
	"errors"
	"fmt"
)

// Step names the stage of an export that failed.
type Step string

const (
	StepQuery   Step = "query"
	StepResult  Step = "result"
	StepFetch   Step = "fetch"
	StepConvert Step = "convert"
)

var (
	ErrQueryFailed         = errors.New("query failed")
	ErrResultUnavailable   = errors.New("result unavailable")
	ErrArtifactFetchFailed = errors.New("artifact fetch failed")
	ErrConversionFailed    = errors.New("conversion failed")
)

// Error reports which step of an export failed. It matches both the step sentinel and the
// underlying cause under errors.Is and errors.As.
type Error struct {
	Step Step
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export %s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() []error {
	if s := e.Step.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

func (s Step) sentinel() error {
	switch s {
	case StepQuery:
		return ErrQueryFailed
	case StepResult:
		return ErrResultUnavailable
	case StepFetch:
		return ErrArtifactFetchFailed
	case StepConvert:
		return ErrConversionFailed
	}
	return nil
}

func stepError(step Step, err error) error {
	return &Error{Step: step, Err: err}
}

// StepOf returns the failing step recorded in err, if any.
func StepOf(err error) (Step, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Step, true
	}
	return "", false
}
