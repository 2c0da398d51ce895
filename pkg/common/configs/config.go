/*
 Copyright The FairSched Authors

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package configs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval   = 60 * time.Second
	DefaultPeriods        = 3
	DefaultPeriodLength   = 7 // days
	DefaultDecayWeight    = 0.5
	DefaultAgeWeight      = 1.0
	DefaultVCPUsWeight    = 100.0
	DefaultMemoryWeight   = 70.0
	DefaultBackfillDepth  = 10
	DefaultDequeueTimeout = time.Second
	DefaultWebPort        = 9080
)

// SchedulerConfig is the top level configuration object, loaded from yaml.
type SchedulerConfig struct {
	Tick       TickConfig       `yaml:"tick"`
	FairShare  FairShareConfig  `yaml:"fairShare"`
	Queue      QueueConfig      `yaml:"queue"`
	Quota      QuotaConfig      `yaml:"quota"`
	SharedPool SharedPoolConfig `yaml:"sharedPool"`
	Store      StoreConfig      `yaml:"store"`
	Web        WebConfig        `yaml:"web"`
}

type TickConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// FairShareConfig drives the decayed historical usage calculation and the
// priority formula weights.
type FairShareConfig struct {
	Periods      int     `yaml:"periods"`
	PeriodLength int     `yaml:"periodLength"` // days per lookback window
	DecayWeight  float64 `yaml:"decayWeight"`
	AgeWeight    float64 `yaml:"ageWeight"`
	VCPUsWeight  float64 `yaml:"vcpusWeight"`
	MemoryWeight float64 `yaml:"memoryWeight"`
}

type QueueConfig struct {
	BackfillDepth  int           `yaml:"backfillDepth"`
	DequeueTimeout time.Duration `yaml:"dequeueTimeout"`
}

// QuotaConfig holds the private allocation handed to projects that are
// discovered from the identity source without an explicit admin assignment.
type QuotaConfig struct {
	DefaultProjectResources map[string]string `yaml:"defaultProjectResources"`
}

// SharedPoolConfig sets the limits of the global shared quota used by
// ephemeral workloads. Quantities are strings so the unlimited sentinel and
// fractional values survive the yaml round trip.
type SharedPoolConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Resources map[string]string `yaml:"resources"`
}

type StoreConfig struct {
	// PostgresDSN enables the durable queue store when set, the in-memory
	// store is used otherwise.
	PostgresDSN string `yaml:"postgresDSN"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

// DefaultSchedulerConfig returns a config with all defaults applied.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Tick: TickConfig{Interval: DefaultTickInterval},
		FairShare: FairShareConfig{
			Periods:      DefaultPeriods,
			PeriodLength: DefaultPeriodLength,
			DecayWeight:  DefaultDecayWeight,
			AgeWeight:    DefaultAgeWeight,
			VCPUsWeight:  DefaultVCPUsWeight,
			MemoryWeight: DefaultMemoryWeight,
		},
		Queue: QueueConfig{
			BackfillDepth:  DefaultBackfillDepth,
			DequeueTimeout: DefaultDequeueTimeout,
		},
		SharedPool: SharedPoolConfig{Enabled: true},
		Web:        WebConfig{Port: DefaultWebPort},
	}
}

// LoadSchedulerConfig reads and validates the configuration file.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSchedulerConfig(buf)
}

// ParseSchedulerConfig parses yaml content on top of the defaults and
// validates the result.
func ParseSchedulerConfig(content []byte) (*SchedulerConfig, error) {
	conf := DefaultSchedulerConfig()
	if err := yaml.Unmarshal(content, conf); err != nil {
		return nil, fmt.Errorf("failed to parse scheduler config: %w", err)
	}
	if err := Validate(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks the configuration invariants that would otherwise surface
// as runtime panics or silent scheduling misbehavior.
func Validate(conf *SchedulerConfig) error {
	if conf.Tick.Interval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", conf.Tick.Interval)
	}
	if conf.FairShare.Periods <= 0 {
		return fmt.Errorf("fair share periods must be positive, got %d", conf.FairShare.Periods)
	}
	if conf.FairShare.PeriodLength <= 0 {
		return fmt.Errorf("fair share period length must be positive, got %d", conf.FairShare.PeriodLength)
	}
	if conf.FairShare.DecayWeight <= 0 || conf.FairShare.DecayWeight > 1 {
		return fmt.Errorf("decay weight must be in (0,1], got %v", conf.FairShare.DecayWeight)
	}
	if conf.Queue.BackfillDepth < 0 {
		return fmt.Errorf("backfill depth cannot be negative, got %d", conf.Queue.BackfillDepth)
	}
	if conf.Web.Port <= 0 || conf.Web.Port > 65535 {
		return fmt.Errorf("invalid web port %d", conf.Web.Port)
	}
	return nil
}
