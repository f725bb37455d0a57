package bridge

import (
	"errors"
	"fmt"

	"github.com/tabular/ar-preview/internal/protocol"
)

var (
	// ErrTimeout is returned when a correlated request exceeds its deadline.
	// The request is never retried automatically; retry is the caller's call.
	ErrTimeout = errors.New("bridge: request timed out")

	// ErrDetached is returned to every outstanding request when the engine
	// surface is detached.
	ErrDetached = errors.New("bridge: surface detached")
)

// EngineError carries an engine-reported failure that settled a correlated
// request (AR_ERROR, MODEL_ERROR or SCAN_FAILED echoing the request ID).
type EngineError struct {
	Code        protocol.ErrorCode
	Message     string
	Recoverable bool
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %s: %s (recoverable=%t)", e.Code, e.Message, e.Recoverable)
}
