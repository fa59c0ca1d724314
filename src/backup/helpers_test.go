package backup

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/packet"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
	"github.com/Blackdeer1524/hotbackup/src/recovery"
	"github.com/Blackdeer1524/hotbackup/src/storage/disk"
	"github.com/Blackdeer1524/hotbackup/src/txns"
)

const testPageSize = 256

type env struct {
	fs          afero.Fs
	disk        *disk.Manager
	log         *recovery.LogManager
	checkpoints *recovery.Checkpointer
	txns        *txns.Table
	deps        Dependencies
	registry    *Registry
}

func newEnv(t *testing.T, dataPages int64) *env {
	t.Helper()

	fs := afero.NewMemMapFs()
	logger := zaptest.NewLogger(t).Sugar()

	dm, err := disk.New(fs, "/db", "demodb", testPageSize)
	require.NoError(t, err)

	_, err = dm.CreateVolume(common.Volume{
		ID:    common.FirstDataVolumeID,
		Label: "demodb",
		Kind:  common.KindData,
	}, dataPages)
	require.NoError(t, err)

	for i := range dataPages {
		require.NoError(t, dm.WritePage(common.FirstDataVolumeID, common.PageID(i), pageImage(int(i))))
	}

	lm, err := recovery.Open(fs, "/db/log", "demodb", testPageSize, logger)
	require.NoError(t, err)

	e := &env{
		fs:          fs,
		disk:        dm,
		log:         lm,
		checkpoints: recovery.NewCheckpointer(lm, nil, logger),
		txns:        txns.NewTable(),
	}
	e.deps = Dependencies{
		Log:             e.log,
		Checkpoints:     e.checkpoints,
		Txns:            e.txns,
		Volumes:         e.disk,
		Logger:          logger,
		DBName:          "demodb",
		DBRelease:       "1.0.0",
		PageSize:        testPageSize,
		DiskCompat:      "1.0",
		CheckpointRetry: time.Millisecond,
		QuiescePoll:     time.Millisecond,
	}
	e.registry = NewRegistry(e.deps)
	return e
}

func pageImage(i int) []byte {
	return bytes.Repeat([]byte(fmt.Sprintf("page-%03d|", i)), testPageSize/9+1)[:testPageSize]
}

func (e *env) appendRecords(t *testing.T, n int) {
	t.Helper()
	for i := range n {
		_, err := e.log.Append(bytes.Repeat([]byte{byte(i)}, 100))
		require.NoError(t, err)
	}
}

type volumeCopy struct {
	start   packet.VolStart
	pageIDs []common.PageID
	bodies  [][]byte
	ended   bool
}

type stream struct {
	header  *packet.BackupHeader
	volumes []volumeCopy
	// markers are the packet types outside of volumes, in order
	markers []packet.Type
	logsEnd *packet.LogsEnd
}

func parseStream(t *testing.T, data []byte) stream {
	t.Helper()

	packets, err := packet.ReadAll(bytes.NewReader(data))
	require.NoError(t, err)

	var s stream
	var cur *volumeCopy
	for _, p := range packets {
		switch p.Type {
		case packet.TypeBackupHeader:
			s.header, err = packet.ParseHeader(p)
			require.NoError(t, err)
			s.markers = append(s.markers, p.Type)
		case packet.TypeVolStart:
			require.Nil(t, cur, "VOL_START inside a volume")
			vs, err := packet.ParseVolStart(p)
			require.NoError(t, err)
			s.volumes = append(s.volumes, volumeCopy{start: vs})
			cur = &s.volumes[len(s.volumes)-1]
		case packet.TypeData:
			require.NotNil(t, cur, "DATA outside a volume")
			id, body, err := packet.ParseData(p)
			require.NoError(t, err)
			cur.pageIDs = append(cur.pageIDs, id)
			cur.bodies = append(cur.bodies, body)
		case packet.TypeVolEnd:
			require.NotNil(t, cur, "VOL_END outside a volume")
			cur.ended = true
			cur = nil
		case packet.TypeVolsBackupEnd:
			s.markers = append(s.markers, p.Type)
		case packet.TypeLogsBackupEnd:
			end, err := packet.ParseLogsEnd(p)
			require.NoError(t, err)
			s.logsEnd = &end
			s.markers = append(s.markers, p.Type)
		}
	}
	require.Nil(t, cur, "stream ends inside a volume")
	return s
}

func (s stream) volume(t *testing.T, label string) volumeCopy {
	t.Helper()

	var found []volumeCopy
	for _, v := range s.volumes {
		if v.start.Label == label {
			found = append(found, v)
		}
	}
	require.Len(t, found, 1, "volume %s", label)
	return found[0]
}

func (s stream) labels() []string {
	labels := []string{}
	for _, v := range s.volumes {
		labels = append(labels, v.start.Label)
	}
	return labels
}

// restore decodes the data units of v and returns the bytes they cover.
func (s stream) restore(t *testing.T, v volumeCopy) []byte {
	t.Helper()

	codec, err := compress.NewCodec(s.header.CompressMethod, int(s.header.CompressLevel))
	require.NoError(t, err)

	out := []byte{}
	for i, id := range v.pageIDs {
		block, err := compress.Decode(codec, v.bodies[i], int(s.header.BlockSize))
		require.NoError(t, err)
		if id == common.EOFPageID {
			require.Equal(t, make([]byte, s.header.BlockSize), block)
			continue
		}
		out = append(out, block...)
	}
	return out[:min(int64(len(out)), v.start.Size)]
}

type mockCheckpoints struct {
	mock.Mock
}

func (m *mockCheckpoints) TryPause() bool {
	return m.Called().Bool(0)
}

func (m *mockCheckpoints) Resume() {
	m.Called()
}

type mockTxns struct {
	mock.Mock
}

func (m *mockTxns) Lock()   {}
func (m *mockTxns) Unlock() {}

func (m *mockTxns) AnyActiveAssumeLocked() bool {
	return m.Called().Bool(0)
}

// mockLog records AppendLSA calls; the rest of the log is never reached
// by the tests that use it.
type mockLog struct {
	mock.Mock
	common.LogManager
}

func (m *mockLog) AppendLSA() common.LSA {
	return m.Called().Get(0).(common.LSA)
}
