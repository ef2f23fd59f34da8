package tools

import "fmt"

// ErrorKind classifies a tool failure for the model. The engine feeds
// these back as tool output so the conversation can continue.
type ErrorKind string

const (
	// KindSchemaValidation means the arguments did not match the
	// tool's parameter schema. The call never reached the handler.
	KindSchemaValidation ErrorKind = "schema_validation"
	// KindExecution means the handler returned an error or panicked.
	KindExecution ErrorKind = "execution"
	// KindTimeout means the handler exceeded the per-call budget.
	KindTimeout ErrorKind = "timeout"
)

// ToolError is a classified tool failure. It is data, not a fatal
// condition: the turn loop reports it to the model and keeps going.
type ToolError struct {
	Tool    string
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed (%s): %s", e.Tool, e.Kind, e.Message)
}
