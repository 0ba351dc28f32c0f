package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/flowrun/common/logger"
	"github.com/flowmesh/flowrun/common/queue"
	"github.com/flowmesh/flowrun/internal/model"
)

const (
	topicLibJobs     = "lib_jobs"
	topicGeneralJobs = "general_jobs"
	topicResults     = "results"
	topicControl     = "control"
)

// MemoryDispatcher is the dev/test transport: the same four-queue shape
// as Dispatcher, built on common/queue's in-memory Queue rather than
// Redis, for running the coordinator and executors in a single process
// (or in tests) with no external dependency.
type MemoryDispatcher struct {
	q              queue.Queue
	libJobs        chan model.Job
	generalJobs    chan model.Job
	results        chan model.Result
	receiveTimeout time.Duration

	mu          sync.Mutex
	controlSubs []chan string
}

// NewMemory builds a MemoryDispatcher and subscribes it to its own
// backing Queue's topics, bridging the Queue's async publish/subscribe
// model to the blocking pop/receive shape Coordinator and Executor need.
func NewMemory(log *logger.Logger, receiveTimeout time.Duration) *MemoryDispatcher {
	if receiveTimeout <= 0 {
		receiveTimeout = 5 * time.Second
	}
	d := &MemoryDispatcher{
		q:              queue.NewMemoryQueue(log),
		libJobs:        make(chan model.Job, 1000),
		generalJobs:    make(chan model.Job, 1000),
		results:        make(chan model.Result, 1000),
		receiveTimeout: receiveTimeout,
	}

	ctx := context.Background()
	_ = d.q.Subscribe(ctx, topicLibJobs, d.forwardJob(d.libJobs))
	_ = d.q.Subscribe(ctx, topicGeneralJobs, d.forwardJob(d.generalJobs))
	_ = d.q.Subscribe(ctx, topicResults, d.forwardResult)
	_ = d.q.Subscribe(ctx, topicControl, d.forwardControl)
	return d
}

func (d *MemoryDispatcher) forwardJob(out chan<- model.Job) queue.MessageHandler {
	return func(_ context.Context, _ string, value []byte) error {
		var job model.Job
		if err := json.Unmarshal(value, &job); err != nil {
			return fmt.Errorf("%w: decoding job payload: %v", model.ErrTransport, err)
		}
		out <- job
		return nil
	}
}

func (d *MemoryDispatcher) forwardResult(_ context.Context, _ string, value []byte) error {
	var result model.Result
	if err := json.Unmarshal(value, &result); err != nil {
		return fmt.Errorf("%w: decoding result payload: %v", model.ErrTransport, err)
	}
	d.results <- result
	return nil
}

func (d *MemoryDispatcher) forwardControl(_ context.Context, _ string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.controlSubs {
		select {
		case ch <- string(value):
		default:
		}
	}
	return nil
}

// SendJob routes a job to lib_jobs or general_jobs depending on its
// locator scheme, matching Dispatcher's Redis behavior.
func (d *MemoryDispatcher) SendJob(ctx context.Context, job model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshaling job %d: %v", model.ErrTransport, job.JobID, err)
	}
	topic := topicGeneralJobs
	if strings.HasPrefix(job.ImplementationURL, "lib://") {
		topic = topicLibJobs
	}
	return d.q.Publish(ctx, topic, "", data)
}

// GetNextResult waits for the next result, honoring the configured
// receive timeout; a nil, nil return is a timeout, not a failure.
func (d *MemoryDispatcher) GetNextResult(ctx context.Context) (*model.Result, error) {
	timer := time.NewTimer(d.receiveTimeout)
	defer timer.Stop()
	select {
	case result := <-d.results:
		return &result, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PushResult is called executor-side to publish a job outcome.
func (d *MemoryDispatcher) PushResult(ctx context.Context, result model.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: marshaling result %d: %v", model.ErrTransport, result.JobID, err)
	}
	return d.q.Publish(ctx, topicResults, "", data)
}

// BroadcastDone publishes DONE on the control topic.
func (d *MemoryDispatcher) BroadcastDone(ctx context.Context) error {
	return d.q.Publish(ctx, topicControl, "", []byte(controlDone))
}

// PopJob pops the next job, preferring one queue over the other the way
// Dispatcher's BLPop ordering does, without blocking on a network round
// trip.
func (d *MemoryDispatcher) PopJob(ctx context.Context, preferLib bool) (*model.Job, string, error) {
	first, firstName := d.generalJobs, topicGeneralJobs
	second, secondName := d.libJobs, topicLibJobs
	if preferLib {
		first, firstName, second, secondName = d.libJobs, topicLibJobs, d.generalJobs, topicGeneralJobs
	}

	select {
	case job := <-first:
		return &job, firstName, nil
	default:
	}

	timer := time.NewTimer(d.receiveTimeout)
	defer timer.Stop()
	select {
	case job := <-first:
		return &job, firstName, nil
	case job := <-second:
		return &job, secondName, nil
	case <-timer.C:
		return nil, "", nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// SubscribeControl returns a channel of control messages for one caller;
// the returned func removes it from the fan-out list.
func (d *MemoryDispatcher) SubscribeControl(ctx context.Context) (<-chan string, func()) {
	ch := make(chan string, 1)
	d.mu.Lock()
	d.controlSubs = append(d.controlSubs, ch)
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.controlSubs {
			if sub == ch {
				d.controlSubs = append(d.controlSubs[:i], d.controlSubs[i+1:]...)
				break
			}
		}
	}
}
