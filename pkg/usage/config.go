// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/abcxyz/pkg/logging"
	"github.com/sethvargo/go-envconfig"
)

// Tracker defaults. A malformed or non-positive environment value falls
// back to these rather than failing startup; telemetry configuration must
// never prevent the application from serving.
const (
	defaultBatchSize      = 50
	defaultFlushInterval  = 5 * time.Second
	defaultBufferSize     = 1000
	defaultWorkerPoolSize = 10
	defaultRetryAttempts  = 3
	defaultRetryBackoff   = 1 * time.Second
)

// Config defines the set of environment variables used to tune the tracker.
type Config struct {
	BatchSize      int           `env:"CREDENTIAL_TRACKING_BATCH_SIZE,default=50"`
	FlushInterval  time.Duration `env:"CREDENTIAL_TRACKING_FLUSH_INTERVAL,default=5s"`
	BufferSize     int           `env:"CREDENTIAL_TRACKING_BUFFER_SIZE,default=1000"`
	WorkerPoolSize int           `env:"CREDENTIAL_TRACKING_WORKER_POOL_SIZE,default=10"`
	RetryAttempts  int           `env:"CREDENTIAL_TRACKING_RETRY_ATTEMPTS,default=3"`
	RetryBackoff   time.Duration `env:"CREDENTIAL_TRACKING_RETRY_BACKOFF,default=1s"`

	// TokenParsedServices is the set of service tags whose responses are
	// parsed for token usage. Empty means the default set (openai, claude).
	TokenParsedServices []string `env:"CREDENTIAL_TRACKING_TOKEN_SERVICES"`
}

// DefaultConfig returns a Config with every knob at its default.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:           defaultBatchSize,
		FlushInterval:       defaultFlushInterval,
		BufferSize:          defaultBufferSize,
		WorkerPoolSize:      defaultWorkerPoolSize,
		RetryAttempts:       defaultRetryAttempts,
		RetryBackoff:        defaultRetryBackoff,
		TokenParsedServices: []string{ServiceOpenAI, ServiceClaude},
	}
}

// NewConfig loads the tracker configuration from the environment.
func NewConfig(ctx context.Context) *Config {
	return newConfig(ctx, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, lu envconfig.Lookuper) *Config {
	logger := logging.FromContext(ctx)

	var cfg Config
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(lu)); err != nil {
		logger.WarnContext(ctx, "failed to parse credential tracking config, using defaults",
			"error", err)
		return DefaultConfig()
	}
	cfg.clampDefaults()
	return &cfg
}

// clampDefaults replaces non-positive values with their defaults so a bad
// knob degrades one field instead of disabling the tracker.
func (cfg *Config) clampDefaults() {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = defaultWorkerPoolSize
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if len(cfg.TokenParsedServices) == 0 {
		cfg.TokenParsedServices = []string{ServiceOpenAI, ServiceClaude}
	}
}
