// Package instrument - Error types for instrumentation.
//
// Errors carry the file position (file:line:column) of the problem and, where
// one exists, a suggestion for resolving it.
//
// Example output:
//
//	server.go:42:15: expected ';', found 'EOF'
//
//	Suggestion: Run gofmt on the file to locate the syntax error
package instrument

import (
	"errors"
	"fmt"
	"go/scanner"
	"go/token"
)

// ErrUnnamedUnit is returned for a unit without a name. Usage of such a unit
// cannot be reported meaningfully, so it is never instrumented.
var ErrUnnamedUnit = errors.New("unit has no name")

// InstrumentationError represents an error during instrumentation with context.
//
// Fields:
//   - File: Source file (or unit name) where the error occurred
//   - Line: Line number (1-indexed, 0 if unknown)
//   - Column: Column number (1-indexed, 0 if unknown)
//   - Message: Human-readable error description
//   - Suggestion: Optional hint for fixing the error
//
// Thread Safety: Immutable after creation, safe for concurrent use.
type InstrumentationError struct {
	File       string
	Line       int
	Column     int
	Message    string
	Suggestion string
}

// Error implements the error interface.
//
// Format: file:line:column: message, followed by the suggestion on its own
// paragraph when present.
func (e *InstrumentationError) Error() string {
	result := fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	if e.Suggestion != "" {
		result += fmt.Sprintf("\n\nSuggestion: %s", e.Suggestion)
	}
	return result
}

// NewInstrumentationError creates an error with file position from an AST
// position.
//
// Thread Safety: Safe for concurrent use (fset is read-only).
func NewInstrumentationError(fset *token.FileSet, pos token.Pos, msg string) *InstrumentationError {
	position := fset.Position(pos)
	return &InstrumentationError{
		File:    position.Filename,
		Line:    position.Line,
		Column:  position.Column,
		Message: msg,
	}
}

// NewInstrumentationErrorWithSuggestion creates an error with suggestion.
func NewInstrumentationErrorWithSuggestion(fset *token.FileSet, pos token.Pos, msg, suggestion string) *InstrumentationError {
	err := NewInstrumentationError(fset, pos, msg)
	err.Suggestion = suggestion
	return err
}

// parseError converts a go/parser failure into an InstrumentationError
// pointing at the first syntax error.
func parseError(filename string, err error) *InstrumentationError {
	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		first := list[0]
		msg := first.Msg
		if len(list) > 1 {
			msg = fmt.Sprintf("%s (and %d more errors)", msg, len(list)-1)
		}
		return &InstrumentationError{
			File:       first.Pos.Filename,
			Line:       first.Pos.Line,
			Column:     first.Pos.Column,
			Message:    msg,
			Suggestion: "Run gofmt on the file to locate the syntax error",
		}
	}
	return &InstrumentationError{File: filename, Message: err.Error()}
}
