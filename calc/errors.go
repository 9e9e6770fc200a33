package calc

import (
	"fmt"
)

// InvalidGroupError reports a group column that is not among the dataset's
// current columns.
type InvalidGroupError struct {
	DatasetID string
	Column    string
}

func (e *InvalidGroupError) Error() string {
	return fmt.Sprintf("dataset %s: group %q not in dataset columns", e.DatasetID, e.Column)
}

// UnresolvedCalculationError reports a calculation name that matches neither
// a column, a label, nor a column of a linked dataset.
type UnresolvedCalculationError struct {
	DatasetID string
	Name      string
}

func (e *UnresolvedCalculationError) Error() string {
	return fmt.Sprintf("dataset %s: cannot resolve calculation %q", e.DatasetID, e.Name)
}
