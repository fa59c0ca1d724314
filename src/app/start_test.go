package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/packet"
	"github.com/Blackdeer1524/hotbackup/src/pkg/common"
)

func TestLoadEnv_Defaults(t *testing.T) {
	env, err := loadEnv()
	require.NoError(t, err)

	assert.Equal(t, EnvDev, env.Environment)
	assert.Equal(t, 4096, env.PageSize)
	assert.Equal(t, 1, env.BackupParallelism)
	assert.True(t, env.BackupCompress)
	assert.Equal(t, 100*time.Millisecond, env.CheckpointRetry)
	assert.Equal(t, 50*time.Millisecond, env.QuiescePoll)

	opts := env.backupOptions()
	assert.Equal(t, compress.MethodLZ4, opts.Method)
	assert.Equal(t, 65536, opts.Reply.BufferSize)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "prod")
	t.Setenv("BACKUP_CODEC", "zstd")
	t.Setenv("BACKUP_CODEC_LEVEL", "7")
	t.Setenv("BACKUP_PARALLELISM", "4")
	t.Setenv("BACKUP_THROTTLE", "15ms")
	t.Setenv("BACKUP_BUILD_REPLICA", "true")

	env, err := loadEnv()
	require.NoError(t, err)

	opts := env.backupOptions()
	assert.Equal(t, EnvProd, env.Environment)
	assert.Equal(t, compress.MethodZstd, opts.Method)
	assert.Equal(t, 7, opts.Level)
	assert.Equal(t, 4, opts.Parallelism)
	assert.Equal(t, 15*time.Millisecond, opts.Throttle)
	assert.True(t, opts.BuildReplica)
}

func TestLoadEnv_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"codec":        {"BACKUP_CODEC", "brotli"},
		"parallelism":  {"BACKUP_PARALLELISM", "0"},
		"block pages":  {"BACKUP_BLOCK_PAGES", "0"},
		"environment":  {"ENVIRONMENT", "staging"},
		"page size":    {"PAGE_SIZE", "100"},
		"not a number": {"PAGE_SIZE", "big"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := loadEnv()
			require.Error(t, err)
		})
	}
}

func newTestEntrypoint(t *testing.T) *Entrypoint {
	t.Helper()

	env, err := loadEnv()
	require.NoError(t, err)
	env.DataDir = "/srv/hotdb"
	env.PageSize = 512
	env.CheckpointRetry = time.Millisecond
	env.QuiescePoll = time.Millisecond

	e := &Entrypoint{
		Env:    env,
		Fs:     afero.NewMemMapFs(),
		Logger: zaptest.NewLogger(t).Sugar(),
	}
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { assert.NoError(t, e.Close()) })

	_, err = e.Disk().CreateVolume(common.Volume{
		ID:    common.FirstDataVolumeID,
		Label: env.DBName,
		Kind:  common.KindData,
	}, 6)
	require.NoError(t, err)

	for i := range 6 {
		require.NoError(t, e.Disk().WritePage(common.FirstDataVolumeID, common.PageID(i), bytes.Repeat([]byte{byte(i + 1)}, 512)))
	}
	for range 10 {
		_, err := e.Log().Append(bytes.Repeat([]byte{1}, 200))
		require.NoError(t, err)
	}
	return e
}

func packetTypes(packets []packet.Packet) []packet.Type {
	types := []packet.Type{}
	for _, p := range packets {
		types = append(types, p.Type)
	}
	return types
}

func TestEntrypoint_BackupToFile(t *testing.T) {
	e := newTestEntrypoint(t)

	require.NoError(t, e.BackupToFile(context.Background(), "/backups/full.bk", true))
	assert.False(t, e.Registry().InProgress())
	assert.Equal(t, e.Log().AppendLSA(), e.Log().BackupWatermark())

	f, err := e.Fs.Open("/backups/full.bk")
	require.NoError(t, err)
	defer f.Close()

	packets, err := packet.ReadAll(f)
	require.NoError(t, err)
	require.NotEmpty(t, packets)

	types := packetTypes(packets)
	assert.Equal(t, packet.TypeBackupHeader, types[0])
	assert.Equal(t, packet.TypeLogsBackupEnd, types[len(types)-1])
	assert.Contains(t, types, packet.TypeVolsBackupEnd)

	h, err := packet.ParseHeader(packets[0])
	require.NoError(t, err)
	assert.Equal(t, "hotdb", h.DBName)
	assert.Equal(t, DiskCompat, h.DiskCompat)
	assert.Equal(t, compress.MethodLZ4, h.CompressMethod)
}

func TestEntrypoint_BackupToAgent(t *testing.T) {
	e := newTestEntrypoint(t)
	client, server := net.Pipe()

	received := make(chan []packet.Packet, 1)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- packet.ServeAgent(context.Background(), server, func(r io.Reader) error {
			packets, err := packet.ReadAll(r)
			received <- packets
			return err
		})
	}()

	require.NoError(t, e.BackupToAgent(context.Background(), client, false))

	var packets []packet.Packet
	select {
	case packets = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not receive the backup")
	}
	require.NoError(t, <-serveErr)

	types := packetTypes(packets)
	require.NotEmpty(t, types)
	assert.Equal(t, packet.TypeLogsBackupEnd, types[len(types)-1])
}

func TestEntrypoint_CheckpointLoop(t *testing.T) {
	env, err := loadEnv()
	require.NoError(t, err)
	env.DataDir = "/srv/hotdb"
	env.CheckpointInterval = time.Millisecond

	e := &Entrypoint{Env: env, Fs: afero.NewMemMapFs(), Logger: zaptest.NewLogger(t).Sugar()}
	require.NoError(t, e.Init(context.Background()))

	_, err = e.Log().Append([]byte("record"))
	require.NoError(t, err)
	want := e.Log().AppendLSA()

	require.Eventually(t, func() bool {
		return e.Log().Header().CheckpointLSA == want
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, e.Close())
}
