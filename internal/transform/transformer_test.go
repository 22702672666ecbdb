package transform

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fastjson"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

const validLine = `7.248.7.119 - - [14/Dec/2017:22:16:45 +09:00] "GET /explore" 200 9947 "-" "Mozilla/5.0 (Windows NT 6.2; WOW64; rv:8.5) Gecko/20100101 Firefox/8.5.1" `

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func record(id, line string) types.FirehoseRecord {
	return types.FirehoseRecord{
		RecordID:                    id,
		Data:                        encode(line),
		ApproximateArrivalTimestamp: 1513257405000,
	}
}

func newTestTransformer(t *testing.T) (*Transformer, *metrics.Collector) {
	t.Helper()
	pool := worker.NewWorkerPool(worker.PoolConfig{NumWorkers: 4})
	t.Cleanup(pool.Stop)

	m := metrics.NewCollector()
	return New(Config{Pool: pool, Metrics: m}), m
}

func TestTransformRecord(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantKind ErrorKind
		wantOk   bool
	}{
		{name: "valid line", data: encode(validLine), wantOk: true},
		{name: "plain offset", data: encode(`1.2.3.4 - - [14/Dec/2017:22:16:45 +0900] "GET /" 200 1`), wantOk: true},
		{name: "not base64", data: "%%%not-base64%%%", wantKind: KindInvalidEncoding},
		{name: "non-canonical padding bits", data: "QR==", wantKind: KindInvalidEncoding},
		{name: "embedded newline", data: encode(validLine)[:8] + "\n" + encode(validLine)[8:], wantKind: KindInvalidEncoding},
		{name: "embedded carriage return", data: encode(validLine)[:8] + "\r" + encode(validLine)[8:], wantKind: KindInvalidEncoding},
		{name: "trailing newline", data: encode(validLine) + "\n", wantKind: KindInvalidEncoding},
		{name: "invalid utf8", data: base64.StdEncoding.EncodeToString([]byte{0xff, 0xfe, 0xfd}), wantKind: KindInvalidUTF8},
		{name: "grammar mismatch", data: encode("hello world"), wantKind: KindGrammarMismatch},
		{name: "empty payload", data: "", wantKind: KindGrammarMismatch},
		{name: "empty timestamp", data: encode(`1.2.3.4 - - [] "GET /" 200 1`), wantKind: KindTimestampInvalid},
		{name: "bad timestamp", data: encode(`1.2.3.4 - - [99/Dec/2017:22:16:45 +09:00] "GET /" 200 1`), wantKind: KindTimestampInvalid},
		{name: "bytes overflow", data: encode(`1.2.3.4 - - [14/Dec/2017:22:16:45 +09:00] "GET /" 200 99999999999`), wantKind: KindNumericInvalid},
	}

	tr := New(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := types.FirehoseRecord{RecordID: "rec-1", Data: tt.data}
			got, err := tr.TransformRecord(in)

			if got.RecordID != in.RecordID {
				t.Errorf("RecordID = %q, want %q", got.RecordID, in.RecordID)
			}

			if tt.wantOk {
				if err != nil {
					t.Fatalf("TransformRecord() error = %v", err)
				}
				if got.Result != types.ResultOk {
					t.Errorf("Result = %v, want Ok", got.Result)
				}
				return
			}

			if got.Result != types.ResultProcessingFailed {
				t.Errorf("Result = %v, want ProcessingFailed", got.Result)
			}
			if got.Data != in.Data {
				t.Errorf("Data = %q, want original %q", got.Data, in.Data)
			}
			if kindOf(err) != tt.wantKind {
				t.Errorf("kindOf(err) = %v, want %v (err: %v)", kindOf(err), tt.wantKind, err)
			}
		})
	}
}

func TestTransformRecord_Output(t *testing.T) {
	tr := New(Config{})
	got, err := tr.TransformRecord(record("r", validLine))
	if err != nil {
		t.Fatalf("TransformRecord() error = %v", err)
	}

	payload, err := base64.StdEncoding.DecodeString(got.Data)
	if err != nil {
		t.Fatalf("output is not base64: %v", err)
	}

	want := `{"host":"7.248.7.119","ident":"-","authuser":"-","@timestamp":"2017-12-14T22:16:45+09:00","@timestamp_utc":"2017-12-14T13:16:45+00:00","request":"GET /explore","response":200,"bytes":9947}`
	if string(payload) != want {
		t.Errorf("payload =\n%s\nwant\n%s", payload, want)
	}

	v, err := fastjson.ParseBytes(payload)
	if err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, field := range []string{"response", "bytes"} {
		if typ := v.Get(field).Type(); typ != fastjson.TypeNumber {
			t.Errorf("%s has type %v, want number", field, typ)
		}
	}
	if got := v.GetUint("response"); got != 200 {
		t.Errorf("response = %d, want 200", got)
	}
	if got := v.GetUint("bytes"); got != 9947 {
		t.Errorf("bytes = %d, want 9947", got)
	}
}

func TestTransformRecord_NoHTMLEscaping(t *testing.T) {
	tr := New(Config{})
	got, err := tr.TransformRecord(record("r", `1.2.3.4 - - [14/Dec/2017:22:16:45 +09:00] "GET /a?x=1&y=<2>" 200 1`))
	if err != nil {
		t.Fatalf("TransformRecord() error = %v", err)
	}

	payload, _ := base64.StdEncoding.DecodeString(got.Data)
	var entry types.AccessLog
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if entry.Request != "GET /a?x=1&y=<2>" {
		t.Errorf("Request = %q", entry.Request)
	}
	if want := `"request":"GET /a?x=1&y=<2>"`; !strings.Contains(string(payload), want) {
		t.Errorf("payload %s should contain %s unescaped", payload, want)
	}
}

func TestTransformRecord_LineSeparatorsEscaped(t *testing.T) {
	tr := New(Config{})
	got, err := tr.TransformRecord(record("r", "1.2.3.4 - - [14/Dec/2017:22:16:45 +09:00] \"GET /a\u2028b\u2029c\" 200 1"))
	if err != nil {
		t.Fatalf("TransformRecord() error = %v", err)
	}

	payload, _ := base64.StdEncoding.DecodeString(got.Data)
	if want := `"request":"GET /a\u2028b\u2029c"`; !strings.Contains(string(payload), want) {
		t.Errorf("payload %s should contain %s", payload, want)
	}

	var entry types.AccessLog
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if entry.Request != "GET /a\u2028b\u2029c" {
		t.Errorf("Request = %q", entry.Request)
	}
}

func TestTransformBatch_Mixed(t *testing.T) {
	tr, m := newTestTransformer(t)

	var records []types.FirehoseRecord
	wantOk := 0
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("rec-%03d", i)
		switch i % 3 {
		case 0:
			records = append(records, record(id, validLine))
			wantOk++
		case 1:
			records = append(records, record(id, "garbage line"))
		default:
			records = append(records, types.FirehoseRecord{RecordID: id, Data: "!!"})
		}
	}

	result := tr.Process(records)

	if len(result.Records) != len(records) {
		t.Fatalf("len(Records) = %d, want %d", len(result.Records), len(records))
	}

	ok := 0
	for i, out := range result.Records {
		if out.RecordID != records[i].RecordID {
			t.Errorf("Records[%d].RecordID = %q, want %q", i, out.RecordID, records[i].RecordID)
		}
		switch out.Result {
		case types.ResultOk:
			ok++
		case types.ResultProcessingFailed:
			if out.Data != records[i].Data {
				t.Errorf("failed record %s changed its data", out.RecordID)
			}
		default:
			t.Errorf("unexpected result %q", out.Result)
		}
	}

	if ok != wantOk {
		t.Errorf("ok = %d, want %d", ok, wantOk)
	}
	if result.Stats.Ok != int64(wantOk) || result.Stats.Failed != int64(len(records)-wantOk) {
		t.Errorf("Stats = %+v", result.Stats)
	}
	if len(result.Failures) != len(records)-wantOk {
		t.Errorf("len(Failures) = %d, want %d", len(result.Failures), len(records)-wantOk)
	}
	for _, f := range result.Failures {
		if records[f.Index].RecordID != f.RecordID {
			t.Errorf("failure %s points at index %d (%s)", f.RecordID, f.Index, records[f.Index].RecordID)
		}
		if f.Index%3 == 0 {
			t.Errorf("valid record %d reported as failed", f.Index)
		}
	}

	if got := counterValue(t, m.RecordsTotal.WithLabelValues("Ok")); got != float64(wantOk) {
		t.Errorf("records_total{Ok} = %v, want %d", got, wantOk)
	}
	if got := counterValue(t, m.RecordFailures.WithLabelValues("invalid_encoding")); got != 16 {
		t.Errorf("failures_total{invalid_encoding} = %v, want 16", got)
	}
	if got := counterValue(t, m.RecordFailures.WithLabelValues("grammar_mismatch")); got != 17 {
		t.Errorf("failures_total{grammar_mismatch} = %v, want 17", got)
	}
}

func TestTransformBatch_Idempotent(t *testing.T) {
	tr, _ := newTestTransformer(t)

	records := []types.FirehoseRecord{
		record("a", validLine),
		record("b", "nope"),
		record("c", `10.1.1.1 - bob [01/Jan/2021:00:00:00 -0800] "DELETE /x" 500 7`),
	}

	first, err := json.Marshal(types.TransformationEvent{Records: tr.TransformBatch(records)})
	if err != nil {
		t.Fatal(err)
	}
	second, err := json.Marshal(types.TransformationEvent{Records: tr.TransformBatch(records)})
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Errorf("outputs differ:\n%s\n%s", first, second)
	}
}

func TestTransformBatch_Empty(t *testing.T) {
	tr, _ := newTestTransformer(t)

	out := tr.TransformBatch(nil)
	if out == nil || len(out) != 0 {
		t.Errorf("TransformBatch(nil) = %#v, want empty non-nil slice", out)
	}

	body, _ := json.Marshal(types.TransformationEvent{Records: out})
	if string(body) != `{"records":[]}` {
		t.Errorf("empty response = %s", body)
	}
}

func TestTransformBatch_WithoutPool(t *testing.T) {
	tr := New(Config{})
	out := tr.TransformBatch([]types.FirehoseRecord{record("a", validLine), record("b", "x")})

	if out[0].Result != types.ResultOk || out[1].Result != types.ResultProcessingFailed {
		t.Errorf("results = %v, %v", out[0].Result, out[1].Result)
	}
}

func TestTransformBatch_StoppedPoolFallsBack(t *testing.T) {
	pool := worker.NewWorkerPool(worker.PoolConfig{NumWorkers: 2})
	pool.Stop()

	tr := New(Config{Pool: pool})
	out := tr.TransformBatch([]types.FirehoseRecord{record("a", validLine)})

	if len(out) != 1 || out[0].Result != types.ResultOk {
		t.Errorf("TransformBatch() = %+v", out)
	}
}

type panickyParser struct{}

func (panickyParser) Parse(line string) (*types.AccessLog, error) {
	if line == "boom" {
		panic("parser exploded")
	}
	return &types.AccessLog{Host: line}, nil
}

func (panickyParser) Name() string { return "panicky" }

func TestTransformBatch_PanicIsolation(t *testing.T) {
	for _, withPool := range []bool{true, false} {
		t.Run(fmt.Sprintf("pool=%v", withPool), func(t *testing.T) {
			cfg := Config{Parser: panickyParser{}}
			if withPool {
				pool := worker.NewWorkerPool(worker.PoolConfig{NumWorkers: 2})
				defer pool.Stop()
				cfg.Pool = pool
			}
			tr := New(cfg)

			records := []types.FirehoseRecord{record("a", "ok"), record("b", "boom"), record("c", "ok")}
			result := tr.Process(records)

			want := []types.Result{types.ResultOk, types.ResultProcessingFailed, types.ResultOk}
			got := []types.Result{result.Records[0].Result, result.Records[1].Result, result.Records[2].Result}
			if !reflect.DeepEqual(got, want) {
				t.Errorf("results = %v, want %v", got, want)
			}
			if result.Records[1].Data != records[1].Data {
				t.Errorf("panicked record changed its data")
			}
			if len(result.Failures) != 1 || result.Failures[0].Kind != KindPanic || result.Failures[0].Index != 1 {
				t.Errorf("Failures = %+v, want one panic at index 1", result.Failures)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	inner := errors.New("inner")
	err := error(&RecordError{Kind: KindNumericInvalid, RecordID: "r1", Err: inner})

	if !errors.Is(err, inner) {
		t.Error("RecordError should unwrap to its cause")
	}
	if kindOf(err) != KindNumericInvalid {
		t.Errorf("kindOf() = %v", kindOf(err))
	}
	if kindOf(inner) != KindUnknown {
		t.Errorf("kindOf(plain error) = %v, want unknown", kindOf(inner))
	}
	if got := err.Error(); got != "record r1: numeric_invalid: inner" {
		t.Errorf("Error() = %q", got)
	}
	if got := ErrorKind(99).String(); got != "kind(99)" {
		t.Errorf("String() = %q", got)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestTransformBatch_TrafficExtractor(t *testing.T) {
	m := metrics.NewCollector()
	tr := New(Config{Metrics: m, Extractor: m.NewExtractor()})

	tr.TransformBatch([]types.FirehoseRecord{
		record("a", validLine),
		record("b", `1.2.3.4 - - [14/Dec/2017:22:16:45 +0900] "POST /login HTTP/1.1" 401 12`),
		record("c", "not a log line"),
	})

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != "accesslog_transformer_traffic_responses_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	if total != 2 {
		t.Errorf("traffic responses = %v, want 2 (only parsed lines count)", total)
	}
}
