package calibration

import (
	"errors"
	"fmt"
)

// ValidationError reports a request the service refuses before invoking any
// model. Its message is returned to the client as is.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var (
	ErrNoData            = errors.New("No JSON data provided")
	ErrUnsupportedFormat = errors.New("Unsupported JSON format")
)

func noData() error {
	return &ValidationError{Message: ErrNoData.Error(), Err: ErrNoData}
}

func unsupportedFormat() error {
	return &ValidationError{Message: ErrUnsupportedFormat.Error(), Err: ErrUnsupportedFormat}
}

func malformed(err error) error {
	return &ValidationError{Message: fmt.Sprintf("Malformed JSON: %v", err), Err: err}
}

// MissingColumnError names the first required field absent from a row.
type MissingColumnError struct {
	Column string
	Row    int
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("Missing column: %s", e.Column)
}

func missingColumn(column string, row int) error {
	err := &MissingColumnError{Column: column, Row: row}
	return &ValidationError{Message: err.Error(), Err: err}
}

// IsValidationError reports whether err should be answered as a client error.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
