package muql

import (
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/mucode/pkg/embed"
	"github.com/orneryd/mucode/pkg/graph"
)

// Sentinels. Every error returned by this package unwraps to one of them
// (or to a storage error for store failures).
var (
	ErrParse              = errors.New("muql: parse error")
	ErrUnknownField       = errors.New("unknown field")
	ErrUnknownNodeKind    = errors.New("unknown node kind")
	ErrUnknownEdgeKind    = errors.New("unknown edge kind")
	ErrInvalidPredicate   = errors.New("invalid predicate")
	ErrUnknownAnalysis    = errors.New("unknown analysis")
	ErrNodeNotFound       = graph.ErrNodeNotFound
	ErrNoPath             = graph.ErrNoPath
	ErrStepBudgetExceeded = graph.ErrStepBudgetExceeded
	ErrModelUnavailable   = embed.ErrModelUnavailable
	ErrInternal           = errors.New("internal error")
)

// ParseError reports where parsing stopped and what would have been
// accepted there.
type ParseError struct {
	Pos      int // 1-based byte offset
	Found    string
	Expected []string
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("muql: parse error at position %d: unexpected %s", e.Pos, e.Found)
	if len(e.Expected) > 0 {
		msg += ", expected " + strings.Join(e.Expected, " or ")
	}
	return msg
}

func (e *ParseError) Unwrap() error { return ErrParse }

// PlanError is returned before any execution starts.
type PlanError struct {
	Err error // one of the plan sentinels
	Msg string
}

func (e *PlanError) Error() string { return "muql: plan: " + e.Err.Error() + ": " + e.Msg }

func (e *PlanError) Unwrap() error { return e.Err }

func planErrorf(sentinel error, format string, args ...any) *PlanError {
	return &PlanError{Err: sentinel, Msg: fmt.Sprintf(format, args...)}
}

// ExecError is a failure while running a plan.
type ExecError struct {
	Statement StatementKind
	Err       error
}

func (e *ExecError) Error() string {
	return "muql: " + e.Statement.String() + ": " + e.Err.Error()
}

func (e *ExecError) Unwrap() error { return e.Err }
