package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Thrown values
// ---------------------------------------------------------------------------

// TracePoint records one frame boundary a thrown value crossed.
type TracePoint struct {
	Block   string    // code block name
	BlockID uuid.UUID // code block identity
	Line    int       // 1-based, 0 when unknown
	Column  int
}

func (p TracePoint) String() string {
	if p.Line == 0 {
		return fmt.Sprintf("%s (%s)", p.Block, p.BlockID)
	}
	return fmt.Sprintf("%s (%d:%d)", p.Block, p.Line, p.Column)
}

// Thrown carries a script-level thrown value through Go error returns.
type Thrown struct {
	Value Value
	Trace []TracePoint
	cause error // host error the value was made from, if any
}

func (t *Thrown) Error() string {
	if eo, ok := t.Value.obj.(*ErrorObject); ok {
		return eo.String()
	}
	return "thrown " + t.Value.String()
}

func (t *Thrown) Unwrap() error { return t.cause }

// TraceString renders the thrown value and its accumulated trace.
func (t *Thrown) TraceString() string {
	return renderTrace(t.Error(), t.Trace)
}

// NonLocalExit is a distinguished thrown value implementing return, break and
// continue across invocation boundaries. Only a catch-branch whose identifier
// equals ID consumes it.
type NonLocalExit struct {
	ID     int64
	Target int
	Value  Value
	Trace  []TracePoint
}

func (e *NonLocalExit) Error() string {
	return fmt.Sprintf("uncaught non-local exit (id %d, target %d)", e.ID, e.Target)
}

// TraceString renders the exit and its accumulated trace.
func (e *NonLocalExit) TraceString() string {
	return renderTrace(e.Error(), e.Trace)
}

func renderTrace(head string, trace []TracePoint) string {
	var sb strings.Builder
	sb.WriteString(head)
	for _, p := range trace {
		sb.WriteString("\n  at ")
		sb.WriteString(p.String())
	}
	return sb.String()
}

// IsThrown reports whether err is a script-level thrown value or non-local
// exit, as opposed to a host failure.
func IsThrown(err error) bool {
	var t *Thrown
	var n *NonLocalExit
	return errors.As(err, &t) || errors.As(err, &n)
}

// ThrownValue extracts the script value carried by err. Host errors yield
// void.
func ThrownValue(err error) Value {
	var t *Thrown
	if errors.As(err, &t) {
		return t.Value
	}
	var n *NonLocalExit
	if errors.As(err, &n) {
		return n.Value
	}
	return Void
}

// Throw wraps a value as a thrown error.
func Throw(v Value) error {
	return &Thrown{Value: v}
}

// annotate appends a trace point to a thrown value or non-local exit.
func annotate(err error, p TracePoint) {
	var t *Thrown
	if errors.As(err, &t) {
		t.Trace = append(t.Trace, p)
		return
	}
	var n *NonLocalExit
	if errors.As(err, &n) {
		n.Trace = append(n.Trace, p)
	}
}

// asThrown makes sure an error returned from host code travels as a thrown
// value. Plain Go errors become NativeException values.
func (vm *VM) asThrown(err error) error {
	if err == nil || IsThrown(err) {
		return err
	}
	t := vm.NewError("NativeException", "%v", err)
	t.cause = err
	return t
}

// ---------------------------------------------------------------------------
// ErrorObject: exceptions raised by the engine itself
// ---------------------------------------------------------------------------

// ErrorObject is the value thrown for engine-raised failures such as a
// missing member. The standard library's exception classes are external; this
// type only needs to be readable by script code.
type ErrorObject struct {
	ClassName string
	Message   string
}

// NewError builds a thrown ErrorObject.
func (vm *VM) NewError(className, format string, args ...any) *Thrown {
	return &Thrown{Value: FromObject(&ErrorObject{
		ClassName: className,
		Message:   fmt.Sprintf(format, args...),
	})}
}

func (e *ErrorObject) String() string {
	return e.ClassName + ": " + e.Message
}

// Operate exposes "name" and "message" for reading and "toString" for
// calling.
func (e *ErrorObject) Operate(vm *VM, req *Request) (Status, error) {
	switch req.Code {
	case OperateDGet:
		switch req.Name {
		case "name":
			req.SetResult(FromString(e.ClassName))
			return StatusOK, nil
		case "message":
			req.SetResult(FromString(e.Message))
			return StatusOK, nil
		}
	case OperateCall:
		if req.Name == "toString" {
			req.SetResult(FromString(e.String()))
			return StatusOK, nil
		}
	case OperateDSet:
		if req.Name == "name" || req.Name == "message" {
			return StatusMemberReadOnly, nil
		}
	}
	return StatusMemberNotFound, nil
}

// IsError reports whether err carries an engine ErrorObject of the given
// class.
func IsError(err error, className string) bool {
	v := ThrownValue(err)
	eo, ok := v.obj.(*ErrorObject)
	return ok && eo.ClassName == className
}

// ---------------------------------------------------------------------------
// Try-marker
// ---------------------------------------------------------------------------

// tryMarker is the ephemeral value a try call or synchronized call leaves in
// its destination register for the following catch-branch.
type tryMarker struct {
	Raised bool
	Value  Value // call result, or the thrown value when Raised
	Err    error // the original error when Raised
}

func (m *tryMarker) Operate(*VM, *Request) (Status, error) {
	return StatusMemberNotFound, nil
}

func (m *tryMarker) String() string {
	if m.Raised {
		return "(try-marker raised)"
	}
	return "(try-marker)"
}
