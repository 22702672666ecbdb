// Package loadgen builds synthetic Firehose invocations of access log lines.
package loadgen

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

var (
	methods  = []string{"GET", "POST", "PUT", "DELETE", "HEAD"}
	paths    = []string{"/", "/explore", "/search/tag/list", "/app/main/posts", "/wp-admin", "/list", "/api/v1/items?id=42&sort=desc"}
	statuses = []int{200, 200, 200, 201, 204, 301, 302, 304, 400, 403, 404, 500, 502}
	users    = []string{"-", "-", "-", "frank", "alice"}
	offsets  = []string{"+00:00", "+0000", "+09:00", "+0900", "-05:00", "-0530"}

	// broken lines, each hitting a different failure kind
	malformed = []func(r *rand.Rand) []byte{
		func(r *rand.Rand) []byte { return []byte("not an access log line") },
		func(r *rand.Rand) []byte {
			return []byte(`10.0.0.1 - - [31/Feb/2024:10:00:00 +0000] "GET /" 200 1`)
		},
		func(r *rand.Rand) []byte {
			return []byte(`10.0.0.1 - - [01/Jan/2024:10:00:00 +0000] "GET /" 200 99999999999`)
		},
		func(r *rand.Rand) []byte { return []byte{0xff, 0xfe, 'G', 'E', 'T'} },
	}
)

// Config controls batch generation
type Config struct {
	BatchSize int

	// MalformedRatio is the share of records in [0, 1] that fail to transform
	MalformedRatio float64

	// InvalidBase64Ratio is the share of malformed records sent as raw text
	InvalidBase64Ratio float64

	DeliveryStreamArn string
	Region            string
	Seed              int64
}

// Generator produces invocations. It is not safe for concurrent use.
type Generator struct {
	cfg  Config
	rand *rand.Rand
	seq  uint64
}

// New creates a generator; a zero Seed uses the current time
func New(cfg Config) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.DeliveryStreamArn == "" {
		cfg.DeliveryStreamArn = fmt.Sprintf("arn:aws:firehose:%s:123456789012:deliverystream/access-logs", cfg.Region)
	}

	return &Generator{
		cfg:  cfg,
		rand: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Event builds one invocation of BatchSize records
func (g *Generator) Event() types.FirehoseEvent {
	event := types.FirehoseEvent{
		InvocationID:      uuid.NewString(),
		DeliveryStreamArn: g.cfg.DeliveryStreamArn,
		Region:            g.cfg.Region,
		Records:           make([]types.FirehoseRecord, g.cfg.BatchSize),
	}

	now := float64(time.Now().UnixMilli())
	for i := range event.Records {
		g.seq++
		event.Records[i] = types.FirehoseRecord{
			RecordID:                    fmt.Sprintf("%020d", g.seq),
			Data:                        g.data(),
			ApproximateArrivalTimestamp: now,
		}
	}
	return event
}

func (g *Generator) data() string {
	if g.rand.Float64() >= g.cfg.MalformedRatio {
		return base64.StdEncoding.EncodeToString([]byte(g.Line()))
	}

	line := malformed[g.rand.Intn(len(malformed))](g.rand)
	if g.rand.Float64() < g.cfg.InvalidBase64Ratio {
		return string(line)
	}
	return base64.StdEncoding.EncodeToString(line)
}

// Line returns a well-formed access log line
func (g *Generator) Line() string {
	r := g.rand
	ts := time.Date(2017+r.Intn(8), time.Month(1+r.Intn(12)), 1+r.Intn(28), r.Intn(24), r.Intn(60), r.Intn(60), 0, time.UTC)

	return fmt.Sprintf(`%d.%d.%d.%d - %s [%s %s] "%s %s HTTP/1.1" %d %d`,
		r.Intn(256), r.Intn(256), r.Intn(256), r.Intn(256),
		users[r.Intn(len(users))],
		ts.Format("02/Jan/2006:15:04:05"),
		offsets[r.Intn(len(offsets))],
		methods[r.Intn(len(methods))],
		paths[r.Intn(len(paths))],
		statuses[r.Intn(len(statuses))],
		r.Intn(100000),
	)
}
