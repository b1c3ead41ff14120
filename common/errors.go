package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrorCode classifies every error surfaced by a query.
type ErrorCode int

const (
	// SchemaError indicates an unresolved column or a type mismatch. It is raised while building
	// or validating a plan, never during execution.
	SchemaError ErrorCode = iota
	// ComputeError indicates a failure evaluating data: overflow, invalid cast, integer division
	// by zero.
	ComputeError
	// IOError wraps a failure reported by an external source or sink. The engine never retries it.
	IOError
	// ResourceError indicates the memory budget was exceeded and no spill capacity was left.
	ResourceError
	// CancelledError is returned when the caller cancelled the query.
	CancelledError
	// TimeoutError is returned when the query ran past its deadline.
	TimeoutError
	// InternalError indicates a broken engine invariant (including a recovered panic).
	InternalError
)

func (ec ErrorCode) String() string {
	switch ec {
	case SchemaError:
		return "SchemaError"
	case ComputeError:
		return "ComputeError"
	case IOError:
		return "IOError"
	case ResourceError:
		return "ResourceError"
	case CancelledError:
		return "CancelledError"
	case TimeoutError:
		return "TimeoutError"
	case InternalError:
		return "InternalError"
	}
	return "unknown"
}

// NodeID identifies a logical plan node within one plan. Zero means "not attributed".
type NodeID int32

// QueryError is the error type returned by every public entry point. It carries the error class,
// the plan node the error originated from, and for schema errors the offending column.
type QueryError struct {
	Code   ErrorCode
	NodeID NodeID
	Node   string
	Column string
	Msg    string
	cause  error
}

func (e *QueryError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Node != "" {
		fmt.Fprintf(&b, " at %s", e.Node)
		if e.NodeID != 0 {
			fmt.Fprintf(&b, "#%d", e.NodeID)
		}
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " (column %q)", e.Column)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *QueryError) Unwrap() error {
	return e.cause
}

// NewSchemaError reports a plan validation failure on the given node and column.
func NewSchemaError(id NodeID, node, column string, format string, args ...any) error {
	return &QueryError{Code: SchemaError, NodeID: id, Node: node, Column: column, Msg: fmt.Sprintf(format, args...)}
}

func NewComputeError(format string, args ...any) error {
	return &QueryError{Code: ComputeError, Msg: fmt.Sprintf(format, args...)}
}

func NewResourceError(format string, args ...any) error {
	return &QueryError{Code: ResourceError, Msg: fmt.Sprintf(format, args...)}
}

func NewInternalError(format string, args ...any) error {
	return &QueryError{Code: InternalError, Msg: fmt.Sprintf(format, args...)}
}

// WrapIOError keeps a collaborator error verbatim as the cause of an IOError.
func WrapIOError(err error, format string, args ...any) error {
	return &QueryError{Code: IOError, Msg: fmt.Sprintf(format, args...), cause: err}
}

func NewCancelledError(cause error) error {
	return &QueryError{Code: CancelledError, Msg: "query cancelled", cause: cause}
}

func NewTimeoutError(after time.Duration) error {
	return &QueryError{Code: TimeoutError, Msg: fmt.Sprintf("query exceeded its %s deadline", after)}
}

// Annotate attaches the originating plan node to err. Errors already attributed keep their node;
// errors outside the taxonomy become InternalErrors.
func Annotate(err error, id NodeID, node string) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		if qe.Node != "" {
			return err
		}
		annotated := *qe
		annotated.NodeID = id
		annotated.Node = node
		return &annotated
	}
	return &QueryError{Code: InternalError, NodeID: id, Node: node, Msg: "unexpected failure", cause: err}
}

// CodeOf returns the class of err, if it belongs to the taxonomy.
func CodeOf(err error) (ErrorCode, bool) {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Code, true
	}
	return 0, false
}

// IsCode reports whether err belongs to the given class.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// ErrNotReady is returned by a source whose next morsel is not available yet. The source must
// then invoke the callback registered through ReadyNotifier once data may be available.
var ErrNotReady = errors.New("source not ready")
