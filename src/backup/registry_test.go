package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

func TestPrepare_OnlyOneConcurrentSession(t *testing.T) {
	e := newEnv(t, 4)

	var (
		mu       sync.Mutex
		sessions []*Session
		rejected int
	)

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			s, err := e.registry.Prepare(context.Background(), io.Discard, Options{})
			mu.Lock()
			defer mu.Unlock()

			switch {
			case errors.Is(err, ErrBackupAlreadyInProgress):
				rejected++
				return nil
			case err != nil:
				return err
			}
			sessions = append(sessions, s)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, sessions, 1)
	assert.Equal(t, 7, rejected)
	assert.True(t, e.registry.InProgress())
	assert.True(t, e.checkpoints.Paused())

	require.NoError(t, sessions[0].Close())
	assert.False(t, e.registry.InProgress())
	assert.False(t, e.checkpoints.Paused())

	s, err := e.registry.Prepare(context.Background(), io.Discard, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestPrepare_OneSessionAcrossRegistries(t *testing.T) {
	first := newEnv(t, 1)
	second := newEnv(t, 1)

	s, err := first.registry.Prepare(context.Background(), io.Discard, Options{})
	require.NoError(t, err)

	_, err = second.registry.Prepare(context.Background(), io.Discard, Options{})
	require.ErrorIs(t, err, ErrBackupAlreadyInProgress)
	assert.True(t, second.registry.InProgress())
	assert.False(t, second.checkpoints.Paused())

	require.NoError(t, s.Close())
	assert.False(t, second.registry.InProgress())

	other, err := second.registry.Prepare(context.Background(), io.Discard, Options{})
	require.NoError(t, err)
	assert.True(t, second.checkpoints.Paused())
	require.NoError(t, other.Close())
}

func TestPrepare_RejectionLeavesStateUntouched(t *testing.T) {
	e := newEnv(t, 1)
	cp := &mockCheckpoints{}
	cp.On("TryPause").Return(true).Once()
	cp.On("Resume").Return().Once()

	deps := e.deps
	deps.Checkpoints = cp
	r := NewRegistry(deps)

	s, err := r.Prepare(context.Background(), io.Discard, Options{})
	require.NoError(t, err)

	_, err = r.Prepare(context.Background(), io.Discard, Options{})
	require.ErrorIs(t, err, ErrBackupAlreadyInProgress)
	cp.AssertNumberOfCalls(t, "TryPause", 1)
	cp.AssertNotCalled(t, "Resume")

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	cp.AssertExpectations(t)
}

func TestPrepare_RetriesWhileCheckpointRuns(t *testing.T) {
	e := newEnv(t, 1)
	e.appendRecords(t, 3)
	want, err := e.checkpoints.Checkpoint()
	require.NoError(t, err)

	cp := &mockCheckpoints{}
	cp.On("TryPause").Return(false).Times(3)
	cp.On("TryPause").Return(true).Once()
	cp.On("Resume").Return()

	deps := e.deps
	deps.Checkpoints = cp
	r := NewRegistry(deps)

	s, err := r.Prepare(context.Background(), io.Discard, Options{})
	require.NoError(t, err)
	defer s.Close()

	cp.AssertNumberOfCalls(t, "TryPause", 4)
	assert.Equal(t, want, s.Header().CheckpointLSA)
	assert.Equal(t, common.ArchiveNum(0), s.FirstArchive())
}

func TestPrepare_InterruptedWhileCheckpointRuns(t *testing.T) {
	e := newEnv(t, 1)

	cp := &mockCheckpoints{}
	cp.On("TryPause").Return(false)

	deps := e.deps
	deps.Checkpoints = cp
	r := NewRegistry(deps)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Prepare(ctx, io.Discard, Options{})
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, r.InProgress())
	cp.AssertNotCalled(t, "Resume")
}

func TestPrepare_BadCodecReleasesGuard(t *testing.T) {
	e := newEnv(t, 1)

	_, err := e.registry.Prepare(context.Background(), io.Discard, Options{
		Compress: true,
		Method:   compress.Method(99),
	})
	require.Error(t, err)
	assert.False(t, e.registry.InProgress())
	assert.False(t, e.checkpoints.Paused())
}

func TestPrepare_Header(t *testing.T) {
	e := newEnv(t, 1)
	now := time.Unix(1_700_000_000, 0).UTC()
	e.deps.Clock = func() time.Time { return now }
	r := NewRegistry(e.deps)

	var out bytes.Buffer
	s, err := r.Prepare(context.Background(), &out, Options{
		Compress:     true,
		Method:       compress.MethodZstd,
		Level:        3,
		BlockPages:   4,
		BuildReplica: true,
	})
	require.NoError(t, err)
	defer s.Close()

	h := s.Header()
	assert.Equal(t, "demodb", h.DBName)
	assert.Equal(t, "1.0.0", h.DBRelease)
	assert.Equal(t, int32(testPageSize), h.PageSize)
	assert.Equal(t, int32(4*testPageSize), h.BlockSize)
	assert.Equal(t, compress.MethodZstd, h.CompressMethod)
	assert.Equal(t, int32(3), h.CompressLevel)
	assert.True(t, h.BuildReplica)
	assert.Equal(t, now, h.StartTime)
	assert.Equal(t, common.NullLSA, h.EndLSA)
	assert.True(t, h.EndTime.IsZero())
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{Compress: true}.withDefaults()
	assert.Equal(t, 1, o.Parallelism)
	assert.Equal(t, 1, o.BlockPages)
	assert.Equal(t, compress.MethodLZ4, o.Method)

	o = Options{Method: compress.MethodSnappy, Level: 4}.withDefaults()
	assert.Equal(t, compress.MethodNone, o.Method)
	assert.Zero(t, o.Level)
}
