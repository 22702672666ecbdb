package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
)

// Entry is one failed record as archived
type Entry struct {
	RecordID                    string  `json:"recordId"`
	Kind                        string  `json:"kind"`
	Error                       string  `json:"error"`
	Data                        string  `json:"data"`
	ApproximateArrivalTimestamp float64 `json:"approximateArrivalTimestamp"`
	InvocationID                string  `json:"invocationId"`
	DeliveryStreamArn           string  `json:"deliveryStreamArn,omitempty"`
}

// Batch groups the failed records of one invocation
type Batch struct {
	InvocationID      string
	DeliveryStreamArn string
	Region            string
	Entries           []Entry
}

// Sink archives failed records outside the Firehose response
type Sink interface {
	Write(ctx context.Context, batch *Batch) error
	Name() string
}

// EncodeJSONLines renders a batch as newline-delimited JSON
func EncodeJSONLines(batch *Batch) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i := range batch.Entries {
		if err := enc.Encode(&batch.Entries[i]); err != nil {
			return nil, fmt.Errorf("encode entry %s: %w", batch.Entries[i].RecordID, err)
		}
	}
	return buf.Bytes(), nil
}

// NopSink drops everything
type NopSink struct{}

func (NopSink) Write(context.Context, *Batch) error { return nil }
func (NopSink) Name() string                       { return "nop" }

// MemorySink keeps batches in memory; used for local runs and tests
type MemorySink struct {
	mu      sync.Mutex
	batches []*Batch
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, batch)
	return nil
}

func (s *MemorySink) Name() string { return "memory" }

// Batches returns a copy of the stored batches
func (s *MemorySink) Batches() []*Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Batch(nil), s.batches...)
}

// archiveName is the file or object name for an invocation's batch. The id
// is caller supplied, so it is escaped into a single path segment.
func archiveName(invocationID, ext string) string {
	if invocationID == "" {
		invocationID = "unknown"
	}
	return url.PathEscape(invocationID) + ".jsonl" + ext
}
