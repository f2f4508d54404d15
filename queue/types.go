// Package queue holds the typed operations on the processing_queue table.
// No policy lives here: the claim protocol, retries and scheduling belong to
// the worker package, fault handling to the pg gateway.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the queue record state machine: pending -> processing ->
// completed | failed, with failed -> pending on explicit retry and
// processing -> pending on orphan recovery.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxResultBytes bounds the result document merged into the payload on
// completion. Oversized results fail the completion rather than being
// silently truncated.
const MaxResultBytes = 1 << 20

// MaxErrorMessageBytes bounds the stored error text on failure transitions.
const MaxErrorMessageBytes = 4096

var ErrResultTooLarge = errors.New("result document exceeds size bound")

// StateTransitionError reports an attempt to finalize a record that is not
// in processing. Repeat transitions are rejected rather than corrupting
// state.
type StateTransitionError struct {
	ID int64
	To Status
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("record %d is not in processing, cannot transition to %s", e.ID, e.To)
}

// QueueRecord is the unit of work. The payload is opaque: the core carries
// it but never inspects it.
type QueueRecord struct {
	ID             int64
	FlowName       string
	Payload        JSONstr
	Status         Status
	FlowInstanceID string
	ClaimedAt      *time.Time
	CompletedAt    *time.Time
	ErrorMessage   string
	RetryCount     int32
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusCounts is a queue snapshot by status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Depth is the backlog: records not yet in a terminal state.
func (c StatusCounts) Depth() int64 {
	return c.Pending + c.Processing
}

// JSONstr is a validated JSON document held as its string form. It is the
// carrier for record payloads and result documents.
type JSONstr struct {
	value string
	valid bool
}

// NewJSONstr validates s and wraps it. An empty string becomes the empty
// object.
func NewJSONstr(s string) (JSONstr, error) {
	if s == "" {
		return JSONstr{value: "{}", valid: true}, nil
	}
	var js json.RawMessage
	if err := json.Unmarshal([]byte(s), &js); err != nil {
		return JSONstr{}, err
	}
	return JSONstr{value: s, valid: true}, nil
}

// String returns the string representation of the JSONstr.
func (j JSONstr) String() string {
	return j.value
}

// IsValid returns true if the JSONstr holds validated JSON.
func (j JSONstr) IsValid() bool {
	return j.valid
}
