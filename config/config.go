package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	B  = 1
	KB = 1024
	MB = 1024 * 1024
	GB = 1024 * 1024 * 1024
)

type JobStoreBackend string

const (
	JobStoreMemory JobStoreBackend = "memory"
	JobStoreBolt   JobStoreBackend = "bolt"
)

type ConfigMap struct {
	BindAddress string `env:"VFORGE_BIND_ADDRESS"`

	// Basic auth is enabled when both values are set.
	AuthUser     string `env:"VFORGE_AUTH_USER"`
	AuthPassword string `env:"VFORGE_AUTH_PASSWORD"`

	GPUMemoryLimit uint64 `env:"VFORGE_GPU_MEMORY_LIMIT"`
	CPUMemoryLimit uint64 `env:"VFORGE_CPU_MEMORY_LIMIT"`
	GPUFallback    bool   `env:"VFORGE_GPU_FALLBACK"`

	JobTTLSeconds      int             `env:"VFORGE_JOB_TTL_SECONDS"`
	SweepSeconds       int             `env:"VFORGE_SWEEP_SECONDS"`
	EvictRunning       bool            `env:"VFORGE_EVICT_RUNNING"`
	MaxJobs            int             `env:"VFORGE_MAX_JOBS"`
	JobStore           JobStoreBackend `env:"VFORGE_JOB_STORE"`
	JobStorePath       string          `env:"VFORGE_JOB_STORE_PATH"`
	Workers            int             `env:"VFORGE_WORKERS"`
	QueueDepth         int             `env:"VFORGE_QUEUE_DEPTH"`
	TransferChunkSize  int64           `env:"VFORGE_TRANSFER_CHUNK_SIZE"`
	TransferConcurrent int             `env:"VFORGE_TRANSFER_CONCURRENCY"`
	TransferAttempts   int             `env:"VFORGE_TRANSFER_ATTEMPTS"`
	DataRootDir        string          `env:"VFORGE_DATA_ROOT"`

	MinioEndpoint  string `env:"VFORGE_MINIO_ENDPOINT"`
	MinioAccessKey string `env:"VFORGE_MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"VFORGE_MINIO_SECRET_KEY"`
	MinioSecure    bool   `env:"VFORGE_MINIO_SECURE"`
	// MinioBucket, when set, is created at startup if it does not exist.
	MinioBucket string `env:"VFORGE_MINIO_BUCKET"`
}

var Config = &ConfigMap{
	BindAddress:        ":7070",
	GPUMemoryLimit:     24 * GB,
	CPUMemoryLimit:     32 * GB,
	GPUFallback:        true,
	JobTTLSeconds:      1800,
	SweepSeconds:       5,
	EvictRunning:       false,
	MaxJobs:            1_000_000,
	JobStore:           JobStoreMemory,
	JobStorePath:       "vforge-jobs.db",
	Workers:            2,
	QueueDepth:         8,
	TransferChunkSize:  50 * MB,
	TransferConcurrent: 4,
	TransferAttempts:   3,
	DataRootDir:        os.TempDir(),
	MinioEndpoint:      "localhost:9000",
}

// Load fills Config from a .env file (if present) and process environment
// variables, on top of the package defaults.
func Load() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("skipping .env file")
	}

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("VFORGE_BIND_ADDRESS", &Config.BindAddress)
	str("VFORGE_AUTH_USER", &Config.AuthUser)
	str("VFORGE_AUTH_PASSWORD", &Config.AuthPassword)
	str("VFORGE_JOB_STORE_PATH", &Config.JobStorePath)
	str("VFORGE_DATA_ROOT", &Config.DataRootDir)
	str("VFORGE_MINIO_ENDPOINT", &Config.MinioEndpoint)
	str("VFORGE_MINIO_ACCESS_KEY", &Config.MinioAccessKey)
	str("VFORGE_MINIO_SECRET_KEY", &Config.MinioSecretKey)
	str("VFORGE_MINIO_BUCKET", &Config.MinioBucket)

	if v, ok := os.LookupEnv("VFORGE_JOB_STORE"); ok {
		switch JobStoreBackend(v) {
		case JobStoreMemory, JobStoreBolt:
			Config.JobStore = JobStoreBackend(v)
		default:
			return fmt.Errorf("unknown job store backend %q", v)
		}
	}

	var err error
	uintVar := func(key string, dst *uint64) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var parsed uint64
			parsed, err = strconv.ParseUint(v, 10, 64)
			if err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = parsed
		}
	}
	intVar := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var parsed int
			parsed, err = strconv.Atoi(v)
			if err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = parsed
		}
	}
	boolVar := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			var parsed bool
			parsed, err = strconv.ParseBool(v)
			if err != nil {
				err = fmt.Errorf("%s: %w", key, err)
				return
			}
			*dst = parsed
		}
	}

	uintVar("VFORGE_GPU_MEMORY_LIMIT", &Config.GPUMemoryLimit)
	uintVar("VFORGE_CPU_MEMORY_LIMIT", &Config.CPUMemoryLimit)
	boolVar("VFORGE_GPU_FALLBACK", &Config.GPUFallback)
	intVar("VFORGE_JOB_TTL_SECONDS", &Config.JobTTLSeconds)
	intVar("VFORGE_SWEEP_SECONDS", &Config.SweepSeconds)
	boolVar("VFORGE_EVICT_RUNNING", &Config.EvictRunning)
	intVar("VFORGE_MAX_JOBS", &Config.MaxJobs)
	intVar("VFORGE_WORKERS", &Config.Workers)
	intVar("VFORGE_QUEUE_DEPTH", &Config.QueueDepth)
	intVar("VFORGE_TRANSFER_CONCURRENCY", &Config.TransferConcurrent)
	intVar("VFORGE_TRANSFER_ATTEMPTS", &Config.TransferAttempts)
	boolVar("VFORGE_MINIO_SECURE", &Config.MinioSecure)
	if v, ok := os.LookupEnv("VFORGE_TRANSFER_CHUNK_SIZE"); ok && err == nil {
		parsed, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			err = fmt.Errorf("VFORGE_TRANSFER_CHUNK_SIZE: %w", perr)
		} else {
			Config.TransferChunkSize = parsed
		}
	}
	return err
}

func (c *ConfigMap) JobTTL() time.Duration {
	return time.Duration(c.JobTTLSeconds) * time.Second
}

func (c *ConfigMap) SweepEvery() time.Duration {
	return time.Duration(c.SweepSeconds) * time.Second
}
