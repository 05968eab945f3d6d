package vm

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDumpDuringRun(t *testing.T) {
	s := NewScheduler(Options{DrainTimeout: time.Second})
	var d *ThreadDump
	_, err := s.CreateMain(ExecutableFunc(func(rt *Runtime, _ []any) (any, error) {
		sched := rt.Scheduler()
		bg, err := sched.CreateBackground(ExecutableFunc(blockUntilTerminated), BackgroundOptions{Name: "waiter", Priority: PriorityMax})
		require.NoError(t, err)
		_, err = sched.RunBackground(bg)
		require.NoError(t, err)
		awaitPending(t, bg)
		d = sched.Dump()
		return nil, nil
	}))
	require.NoError(t, err)

	_, err = s.RunMain()
	require.NoError(t, err)

	require.NotNil(t, d)
	assert.True(t, d.Running)
	assert.NotEqual(t, uuid.Nil, d.Run())
	assert.Equal(t, s.RunID(), d.Run())
	require.Len(t, d.Mains, 1)
	assert.Equal(t, "main", d.Mains[0].Name)
	assert.Equal(t, "running", d.Mains[0].State)
	assert.False(t, d.Mains[0].Daemon)
	require.Len(t, d.Background, 1)
	assert.Equal(t, "waiter", d.Background[0].Name)
	assert.Equal(t, "pending", d.Background[0].State)
	assert.Equal(t, int(PriorityMax), d.Background[0].Priority)
	assert.True(t, d.Background[0].Daemon)
}

func TestDumpEncoding(t *testing.T) {
	d := &ThreadDump{
		RunID:   uuid.New(),
		Epoch:   3,
		Running: true,
		Mains:   []ThreadInfo{{ID: 0, Name: "main", State: "running", Priority: 5}},
		Background: []ThreadInfo{
			{ID: 1, Name: "Thread-1", State: "pending", Priority: 5, Daemon: true, IO: true, Epoch: 3, Interrupted: true},
		},
		Faults: []FaultInfo{{ThreadID: 2, Thread: "Thread-2", Message: "boom"}},
	}

	data, err := EncodeDump(d)
	require.NoError(t, err)
	again, err := EncodeDump(d)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is canonical")

	got, err := DecodeDump(data)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = DecodeDump([]byte{0xff, 0x00})
	assert.Error(t, err)
}
