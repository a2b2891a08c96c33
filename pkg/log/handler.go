package log

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// marshalErrorStack renders the cockroachdb/errors stack attached to err.
// Errors created without a stack (plain fmt.Errorf) yield nil so that
// zerolog omits the stacktrace field entirely.
func marshalErrorStack(err error) interface{} {
	if errors.GetReportableStackTrace(err) == nil {
		return nil
	}
	return fmt.Sprintf("%+v", err)
}

// installErrorStackMarshaler wires marshalErrorStack into zerolog so that
// event.Stack().Err(err) emits the trace under StacktraceAttrKey.
func installErrorStackMarshaler() {
	zerolog.ErrorFieldName = ErrAttrKey
	zerolog.ErrorStackFieldName = StacktraceAttrKey
	zerolog.ErrorStackMarshaler = marshalErrorStack
}
