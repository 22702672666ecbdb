package parser

import (
	"errors"
	"fmt"
	"time"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

var (
	ErrGrammarMismatch  = errors.New("line does not match access log grammar")
	ErrTimestampInvalid = errors.New("invalid access log timestamp")
	ErrNumericInvalid   = errors.New("invalid numeric field")
)

// Parser turns a raw log line into a structured access log entry
type Parser interface {
	// Parse parses a single line. Implementations must be safe for concurrent use.
	Parse(line string) (*types.AccessLog, error)

	// Name returns the parser name
	Name() string
}

// Time layouts accepted inside the bracketed timestamp, tried in order. The
// day takes one or two digits.
const (
	LayoutColonOffset = "2/Jan/2006:15:04:05 -07:00"
	LayoutPlainOffset = "2/Jan/2006:15:04:05 -0700"
)

// OutputLayout renders RFC 3339 with a numeric offset, so UTC comes out as +00:00
const OutputLayout = "2006-01-02T15:04:05-07:00"

// ParseTimestamp attempts to parse a timestamp using each layout in turn
func ParseTimestamp(ts string, layouts ...string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrTimestampInvalid)
	}

	if len(layouts) == 0 {
		layouts = DefaultTimeLayouts()
	}

	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, ts)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("%w: %q: %v", ErrTimestampInvalid, ts, lastErr)
}

// DefaultTimeLayouts returns the access log timestamp layouts
func DefaultTimeLayouts() []string {
	return []string{
		LayoutColonOffset,
		LayoutPlainOffset,
	}
}
