package app

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/hotbackup/src/backup"
	"github.com/Blackdeer1524/hotbackup/src/compress"
	"github.com/Blackdeer1524/hotbackup/src/packet"
)

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

type envVars struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"dev"`
	DataDir     string      `envconfig:"DATA_DIR" default:"./data"`
	DBName      string      `envconfig:"DB_NAME" default:"hotdb"`
	DBRelease   string      `envconfig:"DB_RELEASE" default:"1.0.0"`
	PageSize    int         `envconfig:"PAGE_SIZE" default:"4096"`

	BackupParallelism  int           `envconfig:"BACKUP_PARALLELISM" default:"1"`
	BackupCompress     bool          `envconfig:"BACKUP_COMPRESS" default:"true"`
	BackupCodec        string        `envconfig:"BACKUP_CODEC" default:"lz4"`
	BackupCodecLevel   int           `envconfig:"BACKUP_CODEC_LEVEL" default:"0"`
	BackupThrottle     time.Duration `envconfig:"BACKUP_THROTTLE" default:"0s"`
	BackupBlockPages   int           `envconfig:"BACKUP_BLOCK_PAGES" default:"1"`
	BackupMaxNodes     int           `envconfig:"BACKUP_MAX_NODES" default:"0"`
	BackupBufferSize   int           `envconfig:"BACKUP_BUFFER_SIZE" default:"65536"`
	BackupBuildReplica bool          `envconfig:"BACKUP_BUILD_REPLICA" default:"false"`

	CheckpointRetry    time.Duration `envconfig:"CHECKPOINT_RETRY" default:"100ms"`
	QuiescePoll        time.Duration `envconfig:"QUIESCE_POLL" default:"50ms"`
	CheckpointInterval time.Duration `envconfig:"CHECKPOINT_INTERVAL" default:"0s"`
}

// loadEnv reads an optional .env file and then the process environment.
func loadEnv() (envVars, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return envVars{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var env envVars
	if err := envconfig.Process("", &env); err != nil {
		return envVars{}, fmt.Errorf("failed to read environment: %w", err)
	}
	if err := env.validate(); err != nil {
		return envVars{}, err
	}
	return env, nil
}

func (e envVars) validate() error {
	switch e.Environment {
	case EnvDev, EnvProd:
	default:
		return fmt.Errorf("ENVIRONMENT must be %q or %q, got %q", EnvDev, EnvProd, e.Environment)
	}
	if e.DBName == "" {
		return errors.New("DB_NAME must not be empty")
	}
	if e.PageSize < 512 {
		return fmt.Errorf("PAGE_SIZE must be at least 512, got %d", e.PageSize)
	}
	if e.BackupParallelism < 1 {
		return fmt.Errorf("BACKUP_PARALLELISM must be at least 1, got %d", e.BackupParallelism)
	}
	if e.BackupBlockPages < 1 {
		return fmt.Errorf("BACKUP_BLOCK_PAGES must be at least 1, got %d", e.BackupBlockPages)
	}
	if e.BackupMaxNodes < 0 {
		return fmt.Errorf("BACKUP_MAX_NODES must not be negative, got %d", e.BackupMaxNodes)
	}
	if _, err := compress.ParseMethod(e.BackupCodec); err != nil {
		return fmt.Errorf("BACKUP_CODEC: %w", err)
	}
	return nil
}

func (e envVars) backupOptions() backup.Options {
	// validated in loadEnv
	method, _ := compress.ParseMethod(e.BackupCodec)

	return backup.Options{
		Parallelism:  e.BackupParallelism,
		Compress:     e.BackupCompress,
		Method:       method,
		Level:        e.BackupCodecLevel,
		Throttle:     e.BackupThrottle,
		BuildReplica: e.BackupBuildReplica,
		BlockPages:   e.BackupBlockPages,
		MaxNodes:     e.BackupMaxNodes,
		Reply:        packet.Reply{BufferSize: e.BackupBufferSize},
	}
}
