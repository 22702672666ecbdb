package quarantine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchConfig contains Elasticsearch-specific configuration
type ElasticsearchConfig struct {
	Addresses []string
	CloudID   string
	Username  string
	Password  string
	APIKey    string

	// Index is the index name prefix
	Index string

	// IndexRotation is daily, monthly or none
	IndexRotation string

	Pipeline string

	// Transport overrides the HTTP transport, mainly for tests
	Transport http.RoundTripper
}

// ElasticsearchSink indexes failed records so they can be searched
type ElasticsearchSink struct {
	config ElasticsearchConfig
	client *elasticsearch.Client
	now    func() time.Time
}

// NewElasticsearchSink creates an Elasticsearch sink
func NewElasticsearchSink(config ElasticsearchConfig) (*ElasticsearchSink, error) {
	if len(config.Addresses) == 0 && config.CloudID == "" {
		return nil, fmt.Errorf("no addresses or cloud ID specified")
	}

	if config.Index == "" {
		return nil, fmt.Errorf("no index specified")
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: config.Addresses,
		CloudID:   config.CloudID,
		Username:  config.Username,
		Password:  config.Password,
		APIKey:    config.APIKey,
		Transport: config.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	return &ElasticsearchSink{
		config: config,
		client: client,
		now:    time.Now,
	}, nil
}

// Name returns the sink name
func (e *ElasticsearchSink) Name() string {
	return "elasticsearch"
}

// Write indexes the batch with one bulk request. Document ids are
// <invocation>/<record>, so a retried invocation overwrites instead of
// duplicating.
func (e *ElasticsearchSink) Write(ctx context.Context, batch *Batch) error {
	if batch == nil || len(batch.Entries) == 0 {
		return nil
	}

	index := e.indexName()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i := range batch.Entries {
		entry := &batch.Entries[i]

		meta := bulkAction{Index: bulkMeta{
			Index:    index,
			ID:       entry.InvocationID + "/" + entry.RecordID,
			Pipeline: e.config.Pipeline,
		}}
		if err := enc.Encode(meta); err != nil {
			return fmt.Errorf("failed to encode bulk action: %w", err)
		}
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("failed to encode entry %s: %w", entry.RecordID, err)
		}
	}

	req := esapi.BulkRequest{Body: bytes.NewReader(buf.Bytes())}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request returned error: %s", res.Status())
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}

	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("failed to parse bulk response: %w", err)
	}

	if !bulkResp.Errors {
		return nil
	}

	var failedCount int
	var lastErr string
	for _, item := range bulkResp.Items {
		for _, doc := range item {
			if doc.Status >= 400 {
				failedCount++
				lastErr = string(doc.Error)
			}
		}
	}

	if failedCount > 0 {
		return fmt.Errorf("%d out of %d records failed to index: %s", failedCount, len(batch.Entries), lastErr)
	}
	return nil
}

type bulkAction struct {
	Index bulkMeta `json:"index"`
}

type bulkMeta struct {
	Index    string `json:"_index"`
	ID       string `json:"_id"`
	Pipeline string `json:"pipeline,omitempty"`
}

// indexName applies time-based rotation to the configured index
func (e *ElasticsearchSink) indexName() string {
	ts := e.now().UTC()
	switch e.config.IndexRotation {
	case "none":
		return e.config.Index
	case "monthly":
		return fmt.Sprintf("%s-%s", e.config.Index, ts.Format("2006.01"))
	default:
		return fmt.Sprintf("%s-%s", e.config.Index, ts.Format("2006.01.02"))
	}
}
