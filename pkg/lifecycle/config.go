/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package lifecycle

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-bridge/api"
	"github.com/srediag/plugin-bridge/pkg/signal"
)

const (
	defaultPoolSize       = 64
	defaultPortQueueCap   = 1024
	defaultRetryWindow    = 50 * time.Millisecond
	defaultRestartInitial = 100 * time.Millisecond
	defaultRestartMax     = 5 * time.Second
	defaultDrainTimeout   = 5 * time.Second
)

var validate = validator.New()

// Config is used to configure the coordinator.
type Config struct {
	// WorkerPoolSize bounds concurrently running asynchronous handlers.
	WorkerPoolSize int `validate:"min=1,max=65536"`
	// PortQueueCap bounds pending messages per port.
	PortQueueCap uint64 `validate:"min=1"`
	// SignalBufferBound is how many signals are held before the stream starts.
	SignalBufferBound int `validate:"min=1,max=1048576"`
	// DeliveryRetryWindow is how long a full port is retried before a drop.
	DeliveryRetryWindow time.Duration `validate:"min=0"`
	// RestartInitialInterval is the first delay before a failed worker restarts.
	RestartInitialInterval time.Duration `validate:"gt=0"`
	// RestartMaxInterval caps the delay between restarts.
	RestartMaxInterval time.Duration `validate:"gtefield=RestartInitialInterval"`
	// DrainTimeout bounds how long Stop waits for handlers and ports.
	DrainTimeout time.Duration `validate:"gt=0"`
	// Registerer receives the bridge collectors. Nil leaves them unregistered.
	Registerer prometheus.Registerer `validate:"-"`
	// Middleware wraps every handler, first outermost.
	Middleware []api.Middleware `validate:"-"`
}

// DefaultConfig returns the default config.
func DefaultConfig() *Config {
	return &Config{
		WorkerPoolSize:         defaultPoolSize,
		PortQueueCap:           defaultPortQueueCap,
		SignalBufferBound:      signal.DefaultBufferBound,
		DeliveryRetryWindow:    defaultRetryWindow,
		RestartInitialInterval: defaultRestartInitial,
		RestartMaxInterval:     defaultRestartMax,
		DrainTimeout:           defaultDrainTimeout,
	}
}

// VerifyConfig is used to verify the config's legality.
func VerifyConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
