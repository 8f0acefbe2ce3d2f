// Copyright 2024 The Dynormatic Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config is the engine's configuration surface:
// the named options the engine recognizes, loaded from a YAML file the
// way comalice-statechartx's MachineConfig and
// theRebelliousNerd-codenerd load their own config structs.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// InjectLocation chooses between pre-loader and post-loader takeover.
type InjectLocation int

const (
	InjectEarly InjectLocation = iota
	InjectPostLoader
)

// Options holds every configuration surface option the engine recognizes.
type Options struct {
	// FollowChildren attempts injection into child processes at creation.
	FollowChildren bool `yaml:"follow_children"`

	// EarlyInject selects pre-loader takeover when true.
	EarlyInject bool `yaml:"early_inject"`

	// InjectLocationName is redundant with EarlyInject for explicitness; see
	// NormalizedInjectLocation.
	InjectLocationName string `yaml:"inject_location"`

	// UsePersisted enables the frozen per-module cache (persist package).
	UsePersisted bool `yaml:"use_persisted"`

	// CoarseEnableFreeze enables coarse-grained (per-module) freezing of
	// persisted caches.
	CoarseEnableFreeze bool `yaml:"coarse_enable_freeze"`

	// TraceThreshold is the hit count at which a basic block becomes a
	// trace head.
	TraceThreshold uint32 `yaml:"trace_threshold"`

	// DetachAllowed permits runtime detach via nudge.
	DetachAllowed bool `yaml:"detach_allowed"`

	// LiveDump produces an in-process memory snapshot on fatal error.
	LiveDump bool `yaml:"live_dump"`

	// ExternalDump spawns an external tool on fatal error instead.
	ExternalDump bool `yaml:"external_dump"`

	// Asynch, when false, delays thread-creation interception until the
	// first OS-level thread-attach notification (reduced transparency).
	Asynch bool `yaml:"asynch"`

	// LogLevel controls the logrus level for the whole engine.
	LogLevel string `yaml:"log_level"`
}

// Default returns the engine's default configuration.
func Default() Options {
	return Options{
		FollowChildren:     true,
		EarlyInject:        true,
		InjectLocationName: "early",
		UsePersisted:       false,
		CoarseEnableFreeze: false,
		TraceThreshold:     50,
		DetachAllowed:      true,
		LiveDump:           false,
		ExternalDump:       false,
		Asynch:             true,
		LogLevel:           "warning",
	}
}

// NormalizedInjectLocation resolves the (legacy-flavored) pair of
// EarlyInject/InjectLocationName fields into a single enum, the way an
// engine accreting options over time ends up needing to reconcile them.
func (o Options) NormalizedInjectLocation() InjectLocation {
	if o.InjectLocationName == "post-loader" {
		return InjectPostLoader
	}
	if o.EarlyInject {
		return InjectEarly
	}
	return InjectPostLoader
}

// Load reads YAML configuration from path, starting from Default().
func Load(path string) (Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return opts, nil
}

// NewLogger builds the engine's root logger at the configured level,
// matching dsmmcken-dh-cli's own log.New()/logger.SetLevel(...) pattern
// in BootAndSnapshot.
func NewLogger(o Options) *logrus.Logger {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(o.LogLevel)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	logger.SetLevel(lvl)
	return logger
}
