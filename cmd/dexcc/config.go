/*
 * Copyright 2024 CloudWeGo Authors
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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/cloudwego/dexcc"
	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/opts"
)

// Config is the content of a compilation unit file.
type Config struct {
	Options CompileOptions `toml:"options"`
	Methods []MethodDesc   `toml:"method"`
}

// CompileOptions mirrors the compiler options, unset fields keep their defaults.
type CompileOptions struct {
	ISA                 string `toml:"isa"`
	HostFeatures        bool   `toml:"host_features"`
	ReadBarriers        bool   `toml:"read_barriers"`
	ImplicitStackChecks *bool  `toml:"implicit_stack_checks"`
	StackReserved       *int   `toml:"stack_reserved"`
	Baseline            bool   `toml:"baseline"`
	Debuggable          bool   `toml:"debuggable"`
	VerifyStackMaps     bool   `toml:"verify_stack_maps"`
	SearchDistance      int    `toml:"search_distance"`
	Workers             int    `toml:"workers"`
}

// MethodDesc describes one method of the unit.
type MethodDesc struct {
	Name             string `toml:"name"`
	Index            uint32 `toml:"index"`
	Shorty           string `toml:"shorty"`
	Instance         bool   `toml:"instance"`
	VRegs            int    `toml:"vregs"`
	OSR              bool   `toml:"osr"`
	Debuggable       bool   `toml:"debuggable"`
	ShouldDeoptimize bool   `toml:"should_deoptimize"`
	Code             string `toml:"code"`
}

// LoadConfig reads a unit file, unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(buf)
}

func ParseConfig(buf []byte) (*Config, error) {
	var cfg Config
	var dec *toml.DecodeError
	var strict *toml.StrictMissingError

	/* decode strictly */
	err := toml.NewDecoder(bytes.NewReader(buf)).DisallowUnknownFields().Decode(&cfg)
	switch {
	case err == nil:
		break
	case errors.As(err, &strict):
		return nil, dexcc.ConfigError{Reason: strict.Error()}
	case errors.As(err, &dec):
		row, col := dec.Position()
		return nil, dexcc.ConfigError{Key: strings.Join(dec.Key(), "."), Reason: fmt.Sprintf("%d:%d: %s", row, col, dec.Error())}
	default:
		return nil, err
	}

	/* every method needs a name and a shorty */
	for i, m := range cfg.Methods {
		if m.Name == "" {
			return nil, dexcc.ConfigError{Key: fmt.Sprintf("method[%d].name", i), Reason: "missing method name"}
		}
		if m.Shorty == "" {
			return nil, dexcc.ConfigError{Key: m.Name + ".shorty", Reason: "missing shorty"}
		}
	}
	return &cfg, nil
}

// Build converts the options into compiler options. The instruction set given
// on the command line, if any, takes precedence over the file.
func (self CompileOptions) Build(arch string) ([]dexcc.Option, error) {
	var ret []dexcc.Option
	if arch == "" {
		arch = self.ISA
	}

	/* the target */
	if arch != "" {
		if v, err := isa.Parse(arch); err != nil {
			return nil, dexcc.ConfigError{Key: "isa", Reason: err.Error()}
		} else {
			ret = append(ret, dexcc.WithISA(v))
		}
	}

	/* numeric options are checked here, the setters panic on them */
	if self.StackReserved != nil && *self.StackReserved < 0 {
		return nil, dexcc.ConfigError{Key: "stack_reserved", Reason: "negative reservation"}
	}
	if self.SearchDistance < 0 {
		return nil, dexcc.ConfigError{Key: "search_distance", Reason: "negative distance"}
	}
	if self.Workers < 0 {
		return nil, dexcc.ConfigError{Key: "workers", Reason: "negative worker count"}
	}

	/* stack overflow checks */
	if self.ImplicitStackChecks != nil || self.StackReserved != nil {
		implicit, reserved := true, opts.StackOverflowReserved
		if self.ImplicitStackChecks != nil {
			implicit = *self.ImplicitStackChecks
		}
		if self.StackReserved != nil {
			reserved = *self.StackReserved
		}
		ret = append(ret, dexcc.WithStackOverflowChecks(implicit, reserved))
	}

	/* the rest */
	ret = append(ret,
		dexcc.WithHostFeatures(self.HostFeatures),
		dexcc.WithReadBarrierChecks(self.ReadBarriers),
		dexcc.WithBaseline(self.Baseline),
		dexcc.WithDebuggable(self.Debuggable),
		dexcc.WithVerifyStackMaps(self.VerifyStackMaps),
	)
	if self.SearchDistance > 0 {
		ret = append(ret, dexcc.WithDexRegisterSearchDistance(self.SearchDistance))
	}
	if self.Workers > 0 {
		ret = append(ret, dexcc.WithWorkers(self.Workers))
	}
	return ret, nil
}
