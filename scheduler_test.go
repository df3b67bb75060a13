package devbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultSchedulerRunsWorkInFIFOOrder(t *testing.T) {
	d := NewDefault(0)
	go d.Run()
	defer d.Close(nil)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		d.Schedule(func() { order = append(order, i) })
	}
	d.Schedule(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled work never ran")
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestDefaultSchedulerIsRunningInOwnThread(t *testing.T) {
	d := NewDefault(0)
	go d.Run()
	defer d.Close(nil)

	require.False(t, d.IsRunningInOwnThread())

	result := make(chan bool, 1)
	d.Schedule(func() { result <- d.IsRunningInOwnThread() })

	select {
	case inside := <-result:
		require.True(t, inside)
	case <-time.After(time.Second):
		t.Fatal("scheduled work never ran")
	}
}

func TestDefaultSchedulerCloseDrainsQueuedWork(t *testing.T) {
	d := NewDefault(4)
	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		d.Schedule(func() { ran <- struct{}{} })
	}
	d.Close(nil)
	require.NoError(t, d.Run())

	require.Len(t, ran, 3)
}

func TestDefaultSchedulerScheduleAfterDelaysExecution(t *testing.T) {
	d := NewDefault(0)
	go d.Run()
	defer d.Close(nil)

	fired := make(chan time.Time, 1)
	start := time.Now()
	d.ScheduleAfter(func() { fired <- time.Now() }, 30*time.Millisecond)

	select {
	case when := <-fired:
		require.GreaterOrEqual(t, when.Sub(start), 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed work never ran")
	}
}

func TestDefaultSchedulerScheduleAfterCloseDiscardsFutureWork(t *testing.T) {
	d := NewDefault(0)
	go d.Run()

	ran := false
	d.ScheduleAfter(func() { ran = true }, 50*time.Millisecond)
	d.Close(nil)
	time.Sleep(100 * time.Millisecond)

	require.False(t, ran)
}
