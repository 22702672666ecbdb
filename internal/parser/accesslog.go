package parser

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/pool"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// host ident authuser [timestamp] "request" status bytes
// Anything after bytes (referer, user agent) is ignored.
var accessLogPattern = regexp.MustCompile(
	`^([\d.]+) (\S+) (\S+) \[([\w:/]+\s[\+\-]\d{2}:?\d{2}){0,1}\] "(.+?)" (\d{3}) (\d+)`,
)

const (
	groupHost = iota + 1
	groupIdent
	groupAuthUser
	groupTimestamp
	groupRequest
	groupStatus
	groupBytes
)

// AccessLogParser parses NCSA common log lines
type AccessLogParser struct{}

// NewAccessLogParser creates a new access log parser
func NewAccessLogParser() *AccessLogParser {
	return &AccessLogParser{}
}

// Parse parses a single access log line. The returned entry comes from
// pool.AccessLogPool; callers that are done with it may hand it back.
func (p *AccessLogParser) Parse(line string) (*types.AccessLog, error) {
	match := accessLogPattern.FindStringSubmatch(line)
	if match == nil {
		return nil, ErrGrammarMismatch
	}

	ts, err := ParseTimestamp(match[groupTimestamp])
	if err != nil {
		return nil, err
	}

	response, err := parseUint32("response", match[groupStatus])
	if err != nil {
		return nil, err
	}

	bytes, err := parseUint32("bytes", match[groupBytes])
	if err != nil {
		return nil, err
	}

	entry := pool.GetAccessLog()
	entry.Host = match[groupHost]
	entry.Ident = match[groupIdent]
	entry.AuthUser = match[groupAuthUser]
	entry.Timestamp = ts.Format(OutputLayout)
	entry.TimestampUTC = ts.UTC().Format(OutputLayout)
	entry.Request = match[groupRequest]
	entry.Response = response
	entry.Bytes = bytes

	return entry, nil
}

// Name returns the parser name
func (p *AccessLogParser) Name() string {
	return "accesslog"
}

func parseUint32(field, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrNumericInvalid, field, s, err)
	}
	return uint32(v), nil
}
