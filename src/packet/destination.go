package packet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hashicorp/yamux"
	"github.com/spf13/afero"
)

// FileDestination writes a backup stream to a file.
type FileDestination struct {
	file afero.File
}

func CreateFile(fs afero.Fs, path string) (*FileDestination, error) {
	file, err := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup file %s: %w", path, err)
	}
	return &FileDestination{file: file}, nil
}

func (d *FileDestination) Write(p []byte) (int, error) {
	return d.file.Write(p)
}

// Close syncs the file before closing it.
func (d *FileDestination) Close() (err error) {
	defer func() {
		err = errors.Join(err, d.file.Close())
	}()
	return d.file.Sync()
}

func agentConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = io.Discard
	return cfg
}

// AgentDestination streams a backup to a remote agent over one yamux
// stream of a multiplexed connection.
type AgentDestination struct {
	session *yamux.Session
	stream  *yamux.Stream
}

func DialAgent(conn io.ReadWriteCloser) (*AgentDestination, error) {
	session, err := yamux.Client(conn, agentConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to start agent session: %w", err)
	}

	stream, err := session.OpenStream()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("failed to open backup stream: %w", err)
	}
	return &AgentDestination{session: session, stream: stream}, nil
}

func (d *AgentDestination) Write(p []byte) (int, error) {
	return d.stream.Write(p)
}

func (d *AgentDestination) Close() error {
	return errors.Join(d.stream.Close(), d.session.Close())
}

// ServeAgent accepts one backup stream on conn and hands it to handle.
// Cancelling ctx tears the session down.
func ServeAgent(ctx context.Context, conn io.ReadWriteCloser, handle func(io.Reader) error) error {
	session, err := yamux.Server(conn, agentConfig())
	if err != nil {
		return fmt.Errorf("failed to start agent session: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { _ = session.Close() })
	defer stop()

	stream, err := session.AcceptStream()
	if err != nil {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return fmt.Errorf("failed to accept backup stream: %w", err)
	}
	defer stream.Close()

	if err := handle(stream); err != nil {
		return err
	}
	return nil
}
