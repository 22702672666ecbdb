package types

import "github.com/aws/aws-lambda-go/events"

// Result is the per-record transformation outcome reported back to Firehose
type Result string

const (
	ResultOk               Result = events.KinesisFirehoseTransformedStateOk
	ResultProcessingFailed Result = events.KinesisFirehoseTransformedStateProcessingFailed
)

// FirehoseEvent is the transformation request delivered by Kinesis Data Firehose
type FirehoseEvent struct {
	InvocationID      string           `json:"invocationId"`
	DeliveryStreamArn string           `json:"deliveryStreamArn,omitempty"`
	Region            string           `json:"region"`
	Records           []FirehoseRecord `json:"records"`
}

// FirehoseRecord is a single record of a transformation request.
// Data stays base64 text so a bad encoding fails only its own record.
type FirehoseRecord struct {
	RecordID                    string  `json:"recordId"`
	Data                        string  `json:"data"`
	ApproximateArrivalTimestamp float64 `json:"approximateArrivalTimestamp"`
}

// TransformationEvent is the response returned to Firehose
type TransformationEvent struct {
	Records []TransformationRecord `json:"records"`
}

// TransformationRecord is the transformed (or failed) counterpart of a FirehoseRecord
type TransformationRecord struct {
	RecordID string `json:"recordId"`
	Result   Result `json:"result"`
	Data     string `json:"data"`
}

// AccessLog is a parsed access log line as emitted downstream
type AccessLog struct {
	Host         string `json:"host"`
	Ident        string `json:"ident"`
	AuthUser     string `json:"authuser"`
	Timestamp    string `json:"@timestamp"`
	TimestampUTC string `json:"@timestamp_utc"`
	Request      string `json:"request"`
	Response     uint32 `json:"response"`
	Bytes        uint32 `json:"bytes"`
}

// TransformStats summarizes one batch
type TransformStats struct {
	Records int64 `json:"records"`
	Ok      int64 `json:"ok"`
	Failed  int64 `json:"failed"`
}
