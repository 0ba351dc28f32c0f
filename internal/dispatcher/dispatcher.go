// Package dispatcher implements the Dispatcher: the four-queue transport
// between coordinator and executors (spec.md §4.6). The original system
// wires this over raw ZeroMQ PUSH/PULL/PUB sockets; this runtime reuses the
// teacher's actual Redis transport instead (see DESIGN.md's Open Question
// resolution) — two lists standing in for the PUSH/PULL job and result
// queues, one Pub/Sub channel standing in for the PUB control socket.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowrun/internal/model"
)

const (
	keyLibJobs     = "flowrun:jobs:lib"
	keyGeneralJobs = "flowrun:jobs:general"
	keyResults     = "flowrun:results"
	channelControl = "flowrun:control"

	controlDone = "DONE"
)

// Dispatcher is the Redis-backed transport (spec.md §4.6): lib_jobs and
// general_jobs are Redis lists pushed with RPush and popped with BLPop
// (PUSH/PULL), results is a third list with the same discipline, and
// control is a Pub/Sub channel carrying the literal string "DONE".
type Dispatcher struct {
	client         *redis.Client
	receiveTimeout time.Duration
}

// New wraps an existing Redis client. receiveTimeout bounds the blocking
// pops used by GetNextResult and PopJob (spec.md §4.6 "a receive timeout
// is a normal non-result, not an error").
func New(client *redis.Client, receiveTimeout time.Duration) *Dispatcher {
	if receiveTimeout <= 0 {
		receiveTimeout = 5 * time.Second
	}
	return &Dispatcher{client: client, receiveTimeout: receiveTimeout}
}

// SendJob routes a job to lib_jobs or general_jobs depending on its
// locator scheme, never blocking beyond Redis's own client-side buffering
// (spec.md §4.6 coordinator side of send_job).
func (d *Dispatcher) SendJob(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshaling job %d: %v", model.ErrTransport, job.JobID, err)
	}

	key := keyGeneralJobs
	if strings.HasPrefix(job.ImplementationURL, "lib://") {
		key = keyLibJobs
	}
	if err := d.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("%w: pushing job %d to %q: %v", model.ErrTransport, job.JobID, key, err)
	}
	return nil
}

// GetNextResult pops the next available result, honoring the configured
// receive timeout. A nil, nil return is a timeout, not a failure.
func (d *Dispatcher) GetNextResult(ctx context.Context) (*model.Result, error) {
	res, err := d.client.BLPop(ctx, d.receiveTimeout, keyResults).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receiving result: %v", model.ErrTransport, err)
	}
	if len(res) < 2 {
		return nil, fmt.Errorf("%w: malformed BLPOP reply", model.ErrTransport)
	}
	var result model.Result
	if err := json.Unmarshal([]byte(res[1]), &result); err != nil {
		return nil, fmt.Errorf("%w: decoding result payload: %v", model.ErrTransport, err)
	}
	return &result, nil
}

// PushResult is called executor-side to publish a job outcome.
func (d *Dispatcher) PushResult(ctx context.Context, result model.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: marshaling result %d: %v", model.ErrTransport, result.JobID, err)
	}
	if err := d.client.RPush(ctx, keyResults, data).Err(); err != nil {
		return fmt.Errorf("%w: pushing result %d: %v", model.ErrTransport, result.JobID, err)
	}
	return nil
}

// BroadcastDone publishes DONE on the control channel, signalling every
// subscribed executor to exit cleanly (spec.md §4.6 "on drop, broadcast
// DONE so executors exit cleanly").
func (d *Dispatcher) BroadcastDone(ctx context.Context) error {
	if err := d.client.Publish(ctx, channelControl, controlDone).Err(); err != nil {
		return fmt.Errorf("%w: broadcasting DONE: %v", model.ErrTransport, err)
	}
	return nil
}

// PopJob pops the next job, alternating which queue it checks first so
// lib_jobs and general_jobs are served fairly across repeated calls
// (spec.md §4.7 step 1, "fair alternation"). The returned queue name lets
// callers report where a job came from.
func (d *Dispatcher) PopJob(ctx context.Context, preferLib bool) (*model.Job, string, error) {
	first, second := keyGeneralJobs, keyLibJobs
	if preferLib {
		first, second = keyLibJobs, keyGeneralJobs
	}
	res, err := d.client.BLPop(ctx, d.receiveTimeout, first, second).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: polling job queues: %v", model.ErrTransport, err)
	}
	if len(res) < 2 {
		return nil, "", fmt.Errorf("%w: malformed BLPOP reply", model.ErrTransport)
	}
	var job model.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, "", fmt.Errorf("%w: decoding job payload: %v", model.ErrTransport, err)
	}
	return &job, res[0], nil
}

// SubscribeControl returns a channel of control messages (DONE) that the
// caller should watch alongside job polling in order to exit cleanly
// (spec.md §4.7 step 5). The returned func unsubscribes and must be
// called once the caller is done reading.
func (d *Dispatcher) SubscribeControl(ctx context.Context) (<-chan string, func()) {
	sub := d.client.Subscribe(ctx, channelControl)
	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			ch <- msg.Payload
		}
	}()
	return ch, func() { _ = sub.Close() }
}
