package quarantine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/reliability"
)

type putCall struct {
	input *s3.PutObjectInput
	body  []byte
}

// fakePutter records PutObject calls and fails the first failN of them
type fakePutter struct {
	mu    sync.Mutex
	calls []putCall
	failN int
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.calls = append(f.calls, putCall{input: in, body: body})

	if len(f.calls) <= f.failN {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func responseError(status int) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      errors.New("status " + http.StatusText(status)),
		},
	}
}

func testBatch() *Batch {
	return &Batch{
		InvocationID:      "inv-1",
		DeliveryStreamArn: "arn:aws:firehose:us-east-1:123456789012:deliverystream/logs",
		Entries: []Entry{
			{RecordID: "a", Kind: "grammar_mismatch", Error: "no match", Data: "bm90IGEgbG9n", InvocationID: "inv-1"},
			{RecordID: "b", Kind: "invalid_encoding", Error: "illegal base64", Data: "%%%", InvocationID: "inv-1"},
		},
	}
}

func newTestSink(t *testing.T, cfg S3Config, putter ObjectPutter) *S3Sink {
	t.Helper()
	if cfg.Bucket == "" {
		cfg.Bucket = "quarantine-bucket"
	}
	cfg.Retry = reliability.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	sink, err := NewS3SinkWithClient(cfg, putter)
	if err != nil {
		t.Fatalf("NewS3SinkWithClient() error = %v", err)
	}
	sink.now = func() time.Time { return time.Date(2024, 3, 9, 7, 15, 0, 0, time.UTC) }
	return sink
}

func TestS3Sink_Write(t *testing.T) {
	putter := &fakePutter{}
	m := metrics.NewCollector()
	sink := newTestSink(t, S3Config{Prefix: "failed/", Compression: CompressionGzip, StorageClass: "STANDARD_IA"}, putter)
	sink.WithMetrics(m)

	if err := sink.Write(context.Background(), testBatch()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(putter.calls) != 1 {
		t.Fatalf("Expected 1 PutObject call, got %d", len(putter.calls))
	}
	call := putter.calls[0]

	if got := aws.ToString(call.input.Key); got != "failed/2024/03/09/07/inv-1.jsonl.gz" {
		t.Errorf("Unexpected key %q", got)
	}
	if aws.ToString(call.input.Bucket) != "quarantine-bucket" {
		t.Errorf("Unexpected bucket %q", aws.ToString(call.input.Bucket))
	}
	if aws.ToString(call.input.ContentEncoding) != "gzip" {
		t.Errorf("Unexpected content encoding %q", aws.ToString(call.input.ContentEncoding))
	}
	if string(call.input.StorageClass) != "STANDARD_IA" {
		t.Errorf("Unexpected storage class %q", call.input.StorageClass)
	}
	if aws.ToInt64(call.input.ContentLength) != int64(len(call.body)) {
		t.Errorf("ContentLength %d does not match body %d", aws.ToInt64(call.input.ContentLength), len(call.body))
	}

	plain, err := (&GzipCompressor{}).Decompress(call.body)
	if err != nil {
		t.Fatalf("Body is not gzip: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(plain), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 JSON lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"recordId":"a"`) || !strings.Contains(lines[1], `"kind":"invalid_encoding"`) {
		t.Errorf("Unexpected lines: %v", lines)
	}

	if got := testutil.ToFloat64(m.QuarantineBytes); got != float64(len(call.body)) {
		t.Errorf("QuarantineBytes = %v, want %d", got, len(call.body))
	}
}

func TestS3Sink_ObjectKey(t *testing.T) {
	tests := []struct {
		name         string
		prefix       string
		compression  CompressionType
		invocationID string
		want         string
	}{
		{"no prefix", "", CompressionNone, "inv", "2024/03/09/07/inv.jsonl"},
		{"prefix without slash", "q", CompressionSnappy, "inv", "q/2024/03/09/07/inv.jsonl.snappy"},
		{"nested prefix", "a/b/", CompressionZstd, "inv", "a/b/2024/03/09/07/inv.jsonl.zst"},
		{"missing invocation", "q/", CompressionNone, "", "q/2024/03/09/07/unknown.jsonl"},
		{"parent segments", "q", CompressionGzip, "../../../other/x", "q/2024/03/09/07/..%2F..%2F..%2Fother%2Fx.jsonl.gz"},
		{"dot dot only", "q", CompressionNone, "..", "q/2024/03/09/07/...jsonl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := newTestSink(t, S3Config{Prefix: tt.prefix, Compression: tt.compression}, &fakePutter{})
			if got := sink.objectKey(tt.invocationID); got != tt.want {
				t.Errorf("objectKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestS3Sink_EmptyBatch(t *testing.T) {
	putter := &fakePutter{}
	sink := newTestSink(t, S3Config{}, putter)

	if err := sink.Write(context.Background(), &Batch{InvocationID: "x"}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sink.Write(context.Background(), nil); err != nil {
		t.Fatalf("Write(nil) error = %v", err)
	}
	if len(putter.calls) != 0 {
		t.Errorf("Expected no uploads for empty batches, got %d", len(putter.calls))
	}
}

func TestS3Sink_RetriesTransientErrors(t *testing.T) {
	putter := &fakePutter{failN: 2, err: responseError(http.StatusServiceUnavailable)}
	sink := newTestSink(t, S3Config{}, putter)

	if err := sink.Write(context.Background(), testBatch()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(putter.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(putter.calls))
	}
	if !bytes.Equal(putter.calls[0].body, putter.calls[2].body) {
		t.Error("Retried upload body differs from the first attempt")
	}
}

func TestS3Sink_ThrottlingIsRetried(t *testing.T) {
	putter := &fakePutter{failN: 1, err: responseError(http.StatusTooManyRequests)}
	sink := newTestSink(t, S3Config{}, putter)

	if err := sink.Write(context.Background(), testBatch()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(putter.calls) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(putter.calls))
	}
}

func TestS3Sink_ClientErrorIsPermanent(t *testing.T) {
	putter := &fakePutter{failN: 10, err: responseError(http.StatusForbidden)}
	sink := newTestSink(t, S3Config{}, putter)

	err := sink.Write(context.Background(), testBatch())
	if err == nil {
		t.Fatal("Expected error for 403")
	}
	if len(putter.calls) != 1 {
		t.Errorf("Expected a single attempt for a client error, got %d", len(putter.calls))
	}
	if errors.Is(err, reliability.ErrMaxRetriesExceeded) {
		t.Error("Client error should not exhaust retries")
	}
}

func TestS3Sink_GivesUp(t *testing.T) {
	putter := &fakePutter{failN: 10, err: errors.New("connection reset")}
	sink := newTestSink(t, S3Config{}, putter)

	err := sink.Write(context.Background(), testBatch())
	if !errors.Is(err, reliability.ErrMaxRetriesExceeded) {
		t.Fatalf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if len(putter.calls) != 3 {
		t.Errorf("Expected 3 attempts, got %d", len(putter.calls))
	}
}

func TestNewS3SinkValidation(t *testing.T) {
	if _, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"}); err == nil {
		t.Error("Expected error without bucket")
	}
	if _, err := NewS3Sink(context.Background(), S3Config{Bucket: "b"}); err == nil {
		t.Error("Expected error without region")
	}
	if _, err := NewS3SinkWithClient(S3Config{Bucket: "b", Compression: "lz4"}, &fakePutter{}); err == nil {
		t.Error("Expected error for unsupported compression")
	}
}
