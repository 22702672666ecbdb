package quarantine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/reliability"
)

// S3Config contains S3-specific configuration
type S3Config struct {
	Bucket       string
	Region       string
	Prefix       string
	Compression  CompressionType
	StorageClass string
	Endpoint     string
	UsePathStyle bool
	Retry        reliability.RetryConfig
}

// ObjectPutter is the part of the S3 client the sink needs
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each quarantined batch as one object
type S3Sink struct {
	config     S3Config
	client     ObjectPutter
	compressor Compressor
	metrics    *metrics.Collector
	now        func() time.Time
}

// NewS3Sink loads the default AWS credential chain and creates an S3 sink
func NewS3Sink(ctx context.Context, s3Config S3Config) (*S3Sink, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	if s3Config.Region == "" {
		return nil, fmt.Errorf("no region specified")
	}

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(s3Config.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if s3Config.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(s3Config.Endpoint)
			o.UsePathStyle = s3Config.UsePathStyle
		})
	}

	return NewS3SinkWithClient(s3Config, s3.NewFromConfig(cfg, opts...))
}

// NewS3SinkWithClient creates an S3 sink around an existing client
func NewS3SinkWithClient(s3Config S3Config, client ObjectPutter) (*S3Sink, error) {
	if s3Config.Bucket == "" {
		return nil, fmt.Errorf("no bucket specified")
	}

	compressor, err := GetCompressor(s3Config.Compression)
	if err != nil {
		return nil, err
	}

	return &S3Sink{
		config:     s3Config,
		client:     client,
		compressor: compressor,
		now:        time.Now,
	}, nil
}

// WithMetrics reports uploaded bytes to m
func (s *S3Sink) WithMetrics(m *metrics.Collector) *S3Sink {
	s.metrics = m
	return s
}

// Name returns the sink name
func (s *S3Sink) Name() string {
	return "s3"
}

// Write uploads the batch as compressed JSON lines
func (s *S3Sink) Write(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}

	body, err := EncodeJSONLines(batch)
	if err != nil {
		return err
	}

	body, err = s.compressor.Compress(body)
	if err != nil {
		return fmt.Errorf("failed to compress batch: %w", err)
	}

	key := s.objectKey(batch.InvocationID)
	err = reliability.Retry(ctx, s.config.Retry, func(ctx context.Context) error {
		return s.upload(ctx, key, body)
	})
	if err == nil && s.metrics != nil {
		s.metrics.QuarantineBytes.Add(float64(len(body)))
	}
	return err
}

// objectKey builds <prefix>YYYY/MM/DD/HH/<invocation>.jsonl<ext>
func (s *S3Sink) objectKey(invocationID string) string {
	ts := s.now().UTC()
	key := path.Join(ts.Format("2006/01/02/15"), archiveName(invocationID, s.compressor.Extension()))

	prefix := strings.TrimSuffix(s.config.Prefix, "/")
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

// upload performs a single PutObject
func (s *S3Sink) upload(ctx context.Context, key string, body []byte) error {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/x-ndjson"),
	}

	if enc := s.compressor.ContentEncoding(); enc != "" {
		input.ContentEncoding = aws.String(enc)
	}

	if s.config.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.config.StorageClass)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		err = fmt.Errorf("failed to put s3://%s/%s: %w", s.config.Bucket, key, err)
		if isClientError(err) {
			return reliability.Permanent(err)
		}
		return err
	}
	return nil
}

// isClientError reports 4xx responses other than throttling
func isClientError(err error) bool {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	code := respErr.HTTPStatusCode()
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
