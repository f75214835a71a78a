// Package dispatcher runs the periodic control loop that compares each
// stage's backlog with its concurrency limit and invokes workers. It holds no
// work in memory: invocations carry only routing metadata and workers pull
// their own batches.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/conveyor/pkg/store/postgres"
)

var (
	ErrValidation = errors.New("dispatcher validation error")
	ErrSource     = errors.New("dispatcher config source error")
)

func dispatcherError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// StageConfig routes one stage to its worker endpoint.
type StageConfig struct {
	Stage string `json:"stage" yaml:"stage" mapstructure:"stage"`
	// Queue defaults to the stage name.
	Queue          string `json:"queue" yaml:"queue" mapstructure:"queue"`
	WorkerEndpoint string `json:"worker_endpoint" yaml:"worker_endpoint" mapstructure:"worker_endpoint"`
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency" mapstructure:"max_concurrency"`
	// TriggerBatchSize is the number of ready rows one invocation is
	// expected to drain. Values below 1 count as 1.
	TriggerBatchSize int  `json:"trigger_batch_size" yaml:"trigger_batch_size" mapstructure:"trigger_batch_size"`
	Enabled          bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// QueueName returns Queue or the stage name.
func (c StageConfig) QueueName() string {
	if strings.TrimSpace(c.Queue) != "" {
		return c.Queue
	}
	return c.Stage
}

// Validate checks the fields a tick needs.
func (c StageConfig) Validate() error {
	if strings.TrimSpace(c.Stage) == "" {
		return dispatcherError(ErrValidation, "stage is required")
	}
	if strings.TrimSpace(c.WorkerEndpoint) == "" {
		return dispatcherError(ErrValidation, fmt.Sprintf("stage %s: worker_endpoint is required", c.Stage))
	}
	if c.MaxConcurrency < 0 {
		return dispatcherError(ErrValidation, fmt.Sprintf("stage %s: max_concurrency must be >= 0", c.Stage))
	}
	return nil
}

// ConfigSource loads the current stage configuration. Sources are read on
// every tick so that routing changes apply without a restart.
type ConfigSource interface {
	StageConfigs(ctx context.Context) ([]StageConfig, error)
}

// StaticSource serves a fixed configuration.
type StaticSource struct {
	mu      sync.RWMutex
	configs []StageConfig
}

// NewStaticSource creates a source over configs.
func NewStaticSource(configs ...StageConfig) *StaticSource {
	return &StaticSource{configs: append([]StageConfig(nil), configs...)}
}

// Set replaces the configuration.
func (s *StaticSource) Set(configs ...StageConfig) {
	s.mu.Lock()
	s.configs = append([]StageConfig(nil), configs...)
	s.mu.Unlock()
}

func (s *StaticSource) StageConfigs(context.Context) ([]StageConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]StageConfig(nil), s.configs...), nil
}

// FileSource reads a YAML document with a top-level stages list:
//
//	stages:
//	  - stage: draft
//	    worker_endpoint: https://workers.internal/draft
//	    max_concurrency: 4
//	    trigger_batch_size: 10
//	    enabled: true
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path on every call.
func NewFileSource(path string) (*FileSource, error) {
	if strings.TrimSpace(path) == "" {
		return nil, dispatcherError(ErrValidation, "stage config file path is required")
	}
	return &FileSource{path: path}, nil
}

type stageFile struct {
	Stages []StageConfig `yaml:"stages"`
}

func (s *FileSource) StageConfigs(context.Context) ([]StageConfig, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrSource, s.path, err)
	}
	var doc stageFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrSource, s.path, err)
	}
	return doc.Stages, nil
}

const selectStageConfigsSQL = `SELECT stage, queue_name, worker_endpoint, max_concurrency, trigger_batch_size, enabled
FROM stage_configs
ORDER BY stage`

// PostgresSource reads the stage_configs table.
type PostgresSource struct {
	db postgres.Querier
}

// NewPostgresSource creates a source on db.
func NewPostgresSource(db postgres.Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) StageConfigs(ctx context.Context) ([]StageConfig, error) {
	rows, err := s.db.QueryContext(ctx, selectStageConfigsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: query stage_configs: %w", ErrSource, err)
	}
	defer rows.Close()

	out := make([]StageConfig, 0)
	for rows.Next() {
		var c StageConfig
		if err := rows.Scan(&c.Stage, &c.Queue, &c.WorkerEndpoint, &c.MaxConcurrency, &c.TriggerBatchSize, &c.Enabled); err != nil {
			return nil, fmt.Errorf("%w: scan stage_configs: %w", ErrSource, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate stage_configs: %w", ErrSource, err)
	}
	return out, nil
}
