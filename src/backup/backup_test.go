package backup

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/packet"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

func TestUnitCount(t *testing.T) {
	cases := []struct {
		name      string
		size      int64
		block     int
		stopAfter common.PageID
		want      int64
	}{
		{"empty", 0, 256, -1, 0},
		{"exact", 1024, 256, -1, 4},
		{"partial tail", 1025, 256, -1, 5},
		{"multi page blocks", 10 * 256, 4 * 256, -1, 3},
		{"stop bound", 10 * 256, 256, 2, 3},
		{"stop bound with blocks", 10 * 256, 4 * 256, 4, 2},
		{"stop past end", 2 * 256, 256, 100, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, unitCount(tc.size, tc.block, tc.stopAfter, 256))
		})
	}
}

func backupVolumesOnly(t *testing.T, e *env, opts Options) (stream, *Session) {
	t.Helper()

	var out bytes.Buffer
	s, err := e.registry.Prepare(context.Background(), &out, opts)
	require.NoError(t, err)
	require.NoError(t, s.BackupVolumes(context.Background()))
	require.NoError(t, s.Pool().EnsureAllReleased())
	return parseStream(t, out.Bytes()), s
}

func assertDataUnits(t *testing.T, v volumeCopy, n int, eof bool) {
	t.Helper()

	want := []common.PageID{}
	for i := range n {
		want = append(want, common.PageID(i))
	}
	if eof {
		want = append(want, common.EOFPageID)
	}
	assert.Equal(t, want, v.pageIDs)
	assert.True(t, v.ended)
}

func TestBackupVolumes_TenPageVolume(t *testing.T) {
	e := newEnv(t, 10)
	e.appendRecords(t, 5)
	checkpoint, err := e.checkpoints.Checkpoint()
	require.NoError(t, err)

	s, session := backupVolumesOnly(t, e, Options{Compress: true, Method: compress.MethodLZ4, Parallelism: 1})
	defer session.Close()

	assert.Equal(t, []packet.Type{packet.TypeBackupHeader, packet.TypeVolsBackupEnd}, s.markers)
	assert.Equal(t, []string{"demodb_vinf", "demodb"}, s.labels())

	data := s.volume(t, "demodb")
	assert.Equal(t, common.FirstDataVolumeID, data.start.ID)
	assert.Equal(t, int64(10*testPageSize), data.start.Size)
	assertDataUnits(t, data, 10, true)

	onDisk, err := afero.ReadFile(e.fs, "/db/demodb")
	require.NoError(t, err)
	assert.Equal(t, onDisk, s.restore(t, data))

	// the copy reflects the buffered pages and the captured checkpoint
	assert.Equal(t, pageImage(9), onDisk[9*testPageSize:])
	lsa, err := e.disk.CheckpointLSA(common.FirstDataVolumeID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint, lsa)
	assert.Equal(t, checkpoint, s.header.CheckpointLSA)

	dir := s.volume(t, "demodb_vinf")
	dirFile, err := afero.ReadFile(e.fs, "/db/demodb_vinf")
	require.NoError(t, err)
	assert.Equal(t, dirFile, s.restore(t, dir))
}

func TestBackupVolumes_BuildReplicaOmitsEOFUnit(t *testing.T) {
	e := newEnv(t, 10)

	s, session := backupVolumesOnly(t, e, Options{Compress: true, BuildReplica: true})
	defer session.Close()

	assertDataUnits(t, s.volume(t, "demodb"), 10, false)
}

func TestBackupVolumes_MethodsAndParallelism(t *testing.T) {
	methods := []compress.Method{compress.MethodNone, compress.MethodLZ4, compress.MethodSnappy, compress.MethodZstd}

	for _, m := range methods {
		for _, readers := range []int{1, 4} {
			t.Run(fmt.Sprintf("%s/readers=%d", m, readers), func(t *testing.T) {
				e := newEnv(t, 37)

				s, session := backupVolumesOnly(t, e, Options{
					Compress:    m != compress.MethodNone,
					Method:      m,
					Parallelism: readers,
					BlockPages:  2,
				})
				defer session.Close()

				data := s.volume(t, "demodb")
				assertDataUnits(t, data, 19, true)

				onDisk, err := afero.ReadFile(e.fs, "/db/demodb")
				require.NoError(t, err)
				assert.Equal(t, onDisk, s.restore(t, data))
			})
		}
	}
}

func TestBackupVolumes_SkipsLogVolumes(t *testing.T) {
	e := newEnv(t, 2)
	require.NoError(t, e.disk.Register(e.log.ActiveLogVolume()))

	s, session := backupVolumesOnly(t, e, Options{})
	defer session.Close()

	assert.Equal(t, []string{"demodb_vinf", "demodb"}, s.labels())
}

func TestBackupVolumes_StopAfterPage(t *testing.T) {
	e := newEnv(t, 2)
	_, err := e.disk.CreateVolume(common.Volume{
		ID:            1,
		Label:         "demodb_t001",
		Kind:          common.KindTemp,
		Bounded:       true,
		StopAfterPage: 2,
	}, 8)
	require.NoError(t, err)

	s, session := backupVolumesOnly(t, e, Options{})
	defer session.Close()

	temp := s.volume(t, "demodb_t001")
	assert.Equal(t, int64(8*testPageSize), temp.start.Size)
	assertDataUnits(t, temp, 3, true)
}

func TestBackupVolumes_UnboundedVolumeCopiedWhole(t *testing.T) {
	e := newEnv(t, 2)
	_, err := e.disk.CreateVolume(common.Volume{
		ID:    1,
		Label: "demodb_x001",
		Kind:  common.KindData,
	}, 8)
	require.NoError(t, err)
	for i := range 8 {
		require.NoError(t, e.disk.WritePage(1, common.PageID(i), pageImage(100+i)))
	}
	require.NoError(t, e.disk.FlushVolume(1))

	s, session := backupVolumesOnly(t, e, Options{})
	defer session.Close()

	extra := s.volume(t, "demodb_x001")
	assertDataUnits(t, extra, 8, true)

	onDisk, err := afero.ReadFile(e.fs, "/db/demodb_x001")
	require.NoError(t, err)
	assert.Equal(t, onDisk, s.restore(t, extra))
}

func TestBackupVolumes_FailureTearsDown(t *testing.T) {
	e := newEnv(t, 2)
	require.NoError(t, e.disk.Register(common.Volume{
		ID:    1,
		Label: "ghost",
		Path:  "/db/ghost",
		Kind:  common.KindData,
	}))

	s, err := e.registry.Prepare(context.Background(), &bytes.Buffer{}, Options{})
	require.NoError(t, err)

	require.Error(t, s.BackupVolumes(context.Background()))
	assert.False(t, e.registry.InProgress())
	assert.False(t, e.checkpoints.Paused())
	require.NoError(t, s.Pool().EnsureAllReleased())

	require.ErrorIs(t, s.BackupLog(context.Background(), false), ErrSessionClosed)
	require.ErrorIs(t, s.BackupVolumes(context.Background()), ErrSessionClosed)
}

func TestBackupVolumes_Interrupted(t *testing.T) {
	e := newEnv(t, 200)

	s, err := e.registry.Prepare(context.Background(), &bytes.Buffer{}, Options{Throttle: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = s.BackupVolumes(ctx)
	require.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, e.registry.InProgress())
	assert.False(t, e.checkpoints.Paused())
	require.NoError(t, s.Pool().EnsureAllReleased())
	assert.Equal(t, volumeCursor{}, s.cursor)
}

func TestBackupVolumes_DestinationFailure(t *testing.T) {
	e := newEnv(t, 10)

	s, err := e.registry.Prepare(context.Background(), failingDestination{}, Options{Reply: packet.Reply{BufferSize: 16}})
	require.NoError(t, err)

	require.Error(t, s.BackupVolumes(context.Background()))
	assert.False(t, e.registry.InProgress())
	require.NoError(t, s.Pool().EnsureAllReleased())
}

type failingDestination struct{}

func (failingDestination) Write([]byte) (int, error) {
	return 0, afero.ErrFileClosed
}
