package tabdb

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is wrapped by errors about missing datasets and calculations.
var ErrNotFound = errors.New("not found")

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %x", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %x...%x", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s", e.Msg, e.Err, data)
	}
	return fmt.Sprintf("%s: %s", e.Msg, data)
}

// DatasetError reports a failure tied to a dataset and, optionally, a column.
type DatasetError struct {
	DatasetID string
	Column    string
	Msg       string
	Err       error
}

func datasetErrf(id, column string, err error, format string, args ...any) error {
	return &DatasetError{id, column, fmt.Sprintf(format, args...), err}
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

func (e *DatasetError) Error() string {
	var buf strings.Builder
	buf.WriteString("dataset ")
	buf.WriteString(e.DatasetID)
	if e.Column != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Column)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
