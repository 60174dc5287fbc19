package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeMetrics struct {
	restarts    int32
	checkpoints int32
}

func (f *fakeMetrics) ObserveComponentRestart(string)   { atomic.AddInt32(&f.restarts, 1) }
func (f *fakeMetrics) ObserveCheckpoint(string, string) { atomic.AddInt32(&f.checkpoints, 1) }

func TestRun_StopsCleanlyOnCancel(t *testing.T) {
	mx := &fakeMetrics{}
	var checkpointed int32
	sup := New(Config{ShutdownGrace: time.Second}, []Component{
		{
			Name: "steady",
			Run: func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			},
			Checkpoint: func(ctx context.Context) error {
				atomic.StoreInt32(&checkpointed, 1)
				return nil
			},
		},
	}, zerolog.Nop(), mx)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, sup.Run(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&checkpointed))
	require.EqualValues(t, 1, atomic.LoadInt32(&mx.checkpoints))
}

func TestRun_RestartsCrashingComponent(t *testing.T) {
	mx := &fakeMetrics{}
	var calls int32
	sup := New(Config{RestartBaseDelay: time.Millisecond, RestartMaxDelay: 5 * time.Millisecond, ShutdownGrace: time.Second}, []Component{
		{
			Name: "flaky",
			Run: func(ctx context.Context) error {
				n := atomic.AddInt32(&calls, 1)
				if n < 3 {
					return errors.New("boom")
				}
				<-ctx.Done()
				return nil
			},
		},
	}, zerolog.Nop(), mx)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, sup.Run(ctx))
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
	require.GreaterOrEqual(t, atomic.LoadInt32(&mx.restarts), int32(2))
}

func TestRun_NonRestartingComponentPropagatesError(t *testing.T) {
	noRestart := false
	sup := New(Config{}, []Component{
		{
			Name:    "fatal",
			Run:     func(ctx context.Context) error { return errors.New("unrecoverable") },
			Restart: &noRestart,
		},
	}, zerolog.Nop(), nil)

	err := sup.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "fatal")
}
