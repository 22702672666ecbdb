package transform

import (
	"errors"
	"fmt"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/parser"
)

// ErrorKind classifies why a record could not be transformed
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidEncoding
	KindInvalidUTF8
	KindGrammarMismatch
	KindTimestampInvalid
	KindNumericInvalid
	KindEncodeFailed
	KindPanic
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "unknown",
	KindInvalidEncoding:  "invalid_encoding",
	KindInvalidUTF8:      "invalid_utf8",
	KindGrammarMismatch:  "grammar_mismatch",
	KindTimestampInvalid: "timestamp_invalid",
	KindNumericInvalid:   "numeric_invalid",
	KindEncodeFailed:     "encode_failed",
	KindPanic:            "panic",
}

// String returns the snake_case name used in logs and metric labels
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	errInvalidUTF8 = errors.New("payload is not valid UTF-8")
	errLineBreak   = errors.New("line break in base64 data")
)

// RecordError is the failure of a single record
type RecordError struct {
	Kind     ErrorKind
	RecordID string
	Err      error

	// Index is the record's position in its batch
	Index int
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %s: %s: %v", e.RecordID, e.Kind, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// kindOf returns the failure kind carried by err, or KindUnknown
func kindOf(err error) ErrorKind {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// classifyParseError maps parser sentinels to error kinds
func classifyParseError(err error) ErrorKind {
	switch {
	case errors.Is(err, parser.ErrGrammarMismatch):
		return KindGrammarMismatch
	case errors.Is(err, parser.ErrTimestampInvalid):
		return KindTimestampInvalid
	case errors.Is(err, parser.ErrNumericInvalid):
		return KindNumericInvalid
	default:
		return KindUnknown
	}
}
