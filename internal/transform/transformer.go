package transform

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/parser"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/pool"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// Firehose producers emit padded standard base64. Strict still skips CR
// and LF, so transformData rejects those first.
var transportEncoding = base64.StdEncoding.Strict()

var errRecordAborted = errors.New("record transformation aborted")

// Config holds transformer dependencies. Every field is optional.
type Config struct {
	Parser  parser.Parser
	Pool    *worker.WorkerPool
	Metrics *metrics.Collector
	Logger  *logging.Logger

	// Extractor, when set, sees every successfully parsed entry
	Extractor *metrics.Extractor
}

// Transformer converts Firehose records holding access log lines into JSON records
type Transformer struct {
	parser  parser.Parser
	pool    *worker.WorkerPool
	metrics *metrics.Collector
	logger  *logging.Logger
	traffic *metrics.Extractor
}

// BatchResult is the outcome of one batch
type BatchResult struct {
	// Records has one entry per input record, in input order
	Records []types.TransformationRecord

	// Failures lists the failed records in input order
	Failures []*RecordError

	Stats types.TransformStats
}

// New creates a new transformer
func New(cfg Config) *Transformer {
	t := &Transformer{
		parser:  cfg.Parser,
		pool:    cfg.Pool,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		traffic: cfg.Extractor,
	}

	if t.parser == nil {
		t.parser = parser.NewAccessLogParser()
	}
	if t.logger == nil {
		t.logger = logging.Nop()
	}
	t.logger = t.logger.WithComponent("transform")

	return t
}

// TransformBatch transforms every record independently. It never fails as a
// whole: a record that cannot be transformed comes back ProcessingFailed with
// its original data.
func (t *Transformer) TransformBatch(records []types.FirehoseRecord) []types.TransformationRecord {
	return t.Process(records).Records
}

// Process transforms a batch and also reports why records failed
func (t *Transformer) Process(records []types.FirehoseRecord) *BatchResult {
	n := len(records)
	out := make([]types.TransformationRecord, n)
	errs := make([]*RecordError, n)

	// Pre-fill with the failure marker so a record whose job dies stays failed
	for i, r := range records {
		out[i] = failedRecord(r)
		errs[i] = &RecordError{Kind: KindPanic, RecordID: r.RecordID, Err: errRecordAborted, Index: i}
	}

	fn := func(i int) {
		rec, err := t.TransformRecord(records[i])
		var re *RecordError
		if err != nil && !errors.As(err, &re) {
			re = &RecordError{Kind: KindUnknown, RecordID: records[i].RecordID, Err: err}
		}
		if re != nil {
			re.Index = i
		}
		out[i], errs[i] = rec, re
	}

	if t.pool == nil || t.pool.Run(n, fn) != nil {
		for i := range records {
			runIsolated(i, fn)
		}
	}

	result := &BatchResult{Records: out}
	for _, re := range errs {
		if re != nil {
			result.Failures = append(result.Failures, re)
		}
	}
	result.Stats = types.TransformStats{
		Records: int64(n),
		Failed:  int64(len(result.Failures)),
		Ok:      int64(n - len(result.Failures)),
	}

	t.record(records, result)
	return result
}

// TransformRecord transforms a single record. The returned record is always
// usable; a non-nil error is a *RecordError explaining a ProcessingFailed result.
func (t *Transformer) TransformRecord(r types.FirehoseRecord) (types.TransformationRecord, error) {
	start := time.Now()
	data, kind, err := t.transformData(r.Data)
	if t.metrics != nil {
		t.metrics.RecordParseLatency.Observe(time.Since(start).Seconds())
	}

	if err != nil {
		return failedRecord(r), &RecordError{Kind: kind, RecordID: r.RecordID, Err: err}
	}

	return types.TransformationRecord{
		RecordID: r.RecordID,
		Result:   types.ResultOk,
		Data:     data,
	}, nil
}

// transformData runs decode, parse and re-encode on one payload
func (t *Transformer) transformData(encoded string) (string, ErrorKind, error) {
	if i := strings.IndexAny(encoded, "\r\n"); i >= 0 {
		return "", KindInvalidEncoding, fmt.Errorf("base64 decode: %w at offset %d", errLineBreak, i)
	}

	raw, err := transportEncoding.DecodeString(encoded)
	if err != nil {
		return "", KindInvalidEncoding, fmt.Errorf("base64 decode: %w", err)
	}

	if !utf8.Valid(raw) {
		return "", KindInvalidUTF8, errInvalidUTF8
	}

	entry, err := t.parser.Parse(string(raw))
	if err != nil {
		return "", classifyParseError(err), err
	}
	defer pool.PutAccessLog(entry)

	if t.traffic != nil {
		t.traffic.Extract(entry)
	}

	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return "", KindEncodeFailed, fmt.Errorf("json encode: %w", err)
	}

	payload := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	return transportEncoding.EncodeToString(payload), KindUnknown, nil
}

// record updates metrics and logs failures for a finished batch
func (t *Transformer) record(records []types.FirehoseRecord, result *BatchResult) {
	if t.metrics != nil {
		t.metrics.RecordsTotal.WithLabelValues(string(types.ResultOk)).Add(float64(result.Stats.Ok))
		t.metrics.RecordsTotal.WithLabelValues(string(types.ResultProcessingFailed)).Add(float64(result.Stats.Failed))

		var in, out int
		for i := range records {
			in += len(records[i].Data)
			out += len(result.Records[i].Data)
		}
		t.metrics.RecordBytesIn.Add(float64(in))
		t.metrics.RecordBytesOut.Add(float64(out))
	}

	for _, re := range result.Failures {
		if t.metrics != nil {
			t.metrics.RecordFailures.WithLabelValues(re.Kind.String()).Inc()
		}
		t.logger.Debug().
			Str("record_id", re.RecordID).
			Str("kind", re.Kind.String()).
			Err(re.Err).
			Msg("Record failed transformation")
	}
}

// failedRecord echoes the original payload back with a failure result
func failedRecord(r types.FirehoseRecord) types.TransformationRecord {
	return types.TransformationRecord{
		RecordID: r.RecordID,
		Result:   types.ResultProcessingFailed,
		Data:     r.Data,
	}
}

// runIsolated runs fn(i), containing a panic to that record
func runIsolated(i int, fn worker.JobFunc) {
	defer func() {
		_ = recover()
	}()
	fn(i)
}
