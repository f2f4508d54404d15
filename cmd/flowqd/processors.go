package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/remiges-tech/flowq/queue"
	"github.com/remiges-tech/flowq/worker"
)

var errRequestedFailure = errors.New("payload requested failure")

// registerProcessors wires the compiled-in processors for the served flow.
// flowqd ships a passthrough processor for smoke tests and load drills;
// production deployments embed the worker package and register their own
// business Processor instead.
func registerProcessors(w *worker.Worker, flow string) {
	// RegisterProcessor only errors on duplicates, impossible here
	_ = w.RegisterProcessor(flow, echoProcessor{})
}

// echoProcessor completes every record with a small result describing what
// it saw. Payloads with {"fail": true} are failed on purpose so orphan and
// requeue paths can be exercised end to end.
type echoProcessor struct{}

func (echoProcessor) Process(_ context.Context, rec queue.QueueRecord) (queue.JSONstr, error) {
	var directives struct {
		Fail    bool `json:"fail"`
		SleepMs int  `json:"sleep_ms"`
	}
	// a malformed payload is not this processor's problem; ignore and echo
	_ = json.Unmarshal([]byte(rec.Payload.String()), &directives)

	if directives.SleepMs > 0 {
		time.Sleep(time.Duration(directives.SleepMs) * time.Millisecond)
	}
	if directives.Fail {
		return queue.JSONstr{}, errRequestedFailure
	}

	out, err := json.Marshal(map[string]any{
		"echoed":      true,
		"record_id":   rec.ID,
		"retry_count": rec.RetryCount,
	})
	if err != nil {
		return queue.JSONstr{}, err
	}
	return queue.NewJSONstr(string(out))
}
