package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowrun/common/logger"
	"github.com/flowmesh/flowrun/internal/model"
)

func newTestMemoryDispatcher() *MemoryDispatcher {
	return NewMemory(logger.New("error", "text"), 200*time.Millisecond)
}

func TestMemorySendJobRoutesByScheme(t *testing.T) {
	d := newTestMemoryDispatcher()
	ctx := context.Background()

	require.NoError(t, d.SendJob(ctx, model.Job{JobID: 1, ImplementationURL: "lib://flowstdlib/math/add"}))
	require.NoError(t, d.SendJob(ctx, model.Job{JobID: 2, ImplementationURL: "file:///x.wasm"}))

	job, queue, err := d.PopJob(ctx, true)
	require.NoError(t, err)
	require.Equal(t, topicLibJobs, queue)
	require.EqualValues(t, 1, job.JobID)

	job, queue, err = d.PopJob(ctx, true)
	require.NoError(t, err)
	require.Equal(t, topicGeneralJobs, queue)
	require.EqualValues(t, 2, job.JobID)
}

func TestMemoryPopJobTimesOutWithoutError(t *testing.T) {
	d := newTestMemoryDispatcher()
	job, queue, err := d.PopJob(context.Background(), false)
	require.NoError(t, err)
	require.Nil(t, job)
	require.Empty(t, queue)
}

func TestMemoryPushResultAndGetNextResultRoundTrip(t *testing.T) {
	d := newTestMemoryDispatcher()
	ctx := context.Background()

	value := model.Value([]byte(`42`))
	want := model.Result{JobID: 9, Outcome: model.Outcome{Value: &value}}
	require.NoError(t, d.PushResult(ctx, want))

	got, err := d.GetNextResult(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, want.JobID, got.JobID)
	require.Equal(t, string(*want.Outcome.Value), string(*got.Outcome.Value))
}

func TestMemoryBroadcastDoneFansOutToEverySubscriber(t *testing.T) {
	d := newTestMemoryDispatcher()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch1, unsub1 := d.SubscribeControl(ctx)
	defer unsub1()
	ch2, unsub2 := d.SubscribeControl(ctx)
	defer unsub2()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, d.BroadcastDone(context.Background()))

	for _, ch := range []<-chan string{ch1, ch2} {
		select {
		case msg := <-ch:
			require.Equal(t, controlDone, msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for DONE broadcast")
		}
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	d := newTestMemoryDispatcher()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, unsub := d.SubscribeControl(ctx)
	unsub()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, d.BroadcastDone(context.Background()))

	select {
	case msg, ok := <-ch:
		t.Fatalf("expected no delivery after unsubscribe, got %q (ok=%v)", msg, ok)
	case <-time.After(100 * time.Millisecond):
	}
}
