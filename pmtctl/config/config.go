// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for pmtctl. Settings come from command line flags, optionally seeded by a
// TOML or YAML file whose keys are flag names.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/refs"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// IOMMUKind selects the translation unit the kernel is built with.
type IOMMUKind string

const (
	// IOMMUDummy uses physical addresses as device addresses.
	IOMMUDummy IOMMUKind = "dummy"

	// IOMMURemap uses the software remapping unit.
	IOMMURemap IOMMUKind = "remap"
)

// Set implements flag.Value.
func (k *IOMMUKind) Set(v string) error {
	switch IOMMUKind(v) {
	case IOMMUDummy, IOMMURemap:
		*k = IOMMUKind(v)
		return nil
	default:
		return fmt.Errorf("invalid IOMMU %q, must be %q or %q", v, IOMMUDummy, IOMMURemap)
	}
}

// Get implements flag.Getter.
func (k *IOMMUKind) Get() any {
	return *k
}

// String implements flag.Value.
func (k IOMMUKind) String() string {
	return string(k)
}

// Config holds configuration that is not part of individual commands.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the new flag in RegisterFlags() below.
//  4. Add any necessary validation into validate().
type Config struct {
	// ConfigFile is a TOML or YAML file holding flag values. Flags set on
	// the command line take precedence.
	ConfigFile string `flag:"config"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// IOMMU selects the translation unit.
	IOMMU IOMMUKind `flag:"iommu"`

	// Granule is the minimum contiguity of the remapping IOMMU.
	Granule uint64 `flag:"granule"`

	// MaxExtent bounds the bytes covered by one map call of the remapping
	// IOMMU. Zero means no bound.
	MaxExtent uint64 `flag:"max-extent"`

	// AspaceBase is the lowest device address of the remapping IOMMU.
	AspaceBase uint64 `flag:"aspace-base"`

	// AspaceSize is the device address space size of the remapping IOMMU.
	AspaceSize uint64 `flag:"aspace-size"`

	// PhysBase is the physical address of the first page frame.
	PhysBase uint64 `flag:"phys-base"`

	// PhysPages is the number of page frames.
	PhysPages uint64 `flag:"phys-pages"`

	// Scatter hands out page frames in descending order, so paged memory
	// objects are never physically contiguous.
	Scatter bool `flag:"scatter"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML (.toml) or YAML (.yaml, .yml) file of flag values; flags on the command line take precedence.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log, panic.")

	// Translation unit.
	flagSet.Var(iommuKindPtr(IOMMURemap), "iommu", "IOMMU to pin through: remap (default) or dummy.")
	flagSet.Uint64("granule", hostarch.PageSize, "minimum contiguity of the remapping IOMMU, a power of two of at least a page.")
	flagSet.Uint64("max-extent", 0, "bytes covered by at most one remapping IOMMU map call, a multiple of the granule. Zero means no bound.")
	flagSet.Uint64("aspace-base", 0x10000000, "lowest device address of the remapping IOMMU.")
	flagSet.Uint64("aspace-size", 1<<32, "device address space size of the remapping IOMMU.")

	// Physical memory.
	flagSet.Uint64("phys-base", 0x100000000, "physical address of the first page frame.")
	flagSet.Uint64("phys-pages", 4096, "number of page frames.")
	flagSet.Bool("scatter", false, "allocate page frames in descending order so paged memory is never contiguous.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

func iommuKindPtr(k IOMMUKind) *IOMMUKind {
	return &k
}

// NewFromFlags creates a new Config with values coming from the config file,
// if any, and command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		if err := applyFile(flagSet, fl.Value.String()); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x.Convert(f.Type))
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// applyFile sets every flag named in the file at path that was not set on
// the command line.
func applyFile(flagSet *flag.FlagSet, path string) error {
	values, err := loadFile(path)
	if err != nil {
		return err
	}
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) {
		set[fl.Name] = true
	})
	for name, value := range values {
		if name == "config" {
			return fmt.Errorf("%s: config files cannot include other config files", path)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, value); err != nil {
			return fmt.Errorf("%s: setting %s=%q: %w", path, name, value, err)
		}
	}
	return nil
}

// loadFile reads a flat table of flag names and values.
func loadFile(path string) (map[string]string, error) {
	raw := make(map[string]any)
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("config file %q: unknown extension %q, want .toml, .yaml or .yml", path, ext)
	}

	values := make(map[string]string, len(raw))
	for name, v := range raw {
		switch v := v.(type) {
		case string:
			values[name] = v
		case bool:
			values[name] = strconv.FormatBool(v)
		case int:
			values[name] = strconv.Itoa(v)
		case int64:
			values[name] = strconv.FormatInt(v, 10)
		case uint64:
			values[name] = strconv.FormatUint(v, 10)
		default:
			return nil, fmt.Errorf("%s: value of %q has unsupported type %T", path, name, v)
		}
	}
	return values, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if !hostarch.IsPowerOfTwo(c.Granule) || c.Granule < hostarch.PageSize {
		return fmt.Errorf("granule %#x must be a power of two of at least %#x", c.Granule, hostarch.PageSize)
	}
	if c.MaxExtent%c.Granule != 0 {
		return fmt.Errorf("max extent %#x must be a multiple of granule %#x", c.MaxExtent, c.Granule)
	}
	if c.AspaceBase%c.Granule != 0 || c.AspaceSize == 0 || c.AspaceSize%c.Granule != 0 {
		return fmt.Errorf("device address space [%#x, +%#x) must be granule aligned and non-empty", c.AspaceBase, c.AspaceSize)
	}
	if !hostarch.IsPageAligned(c.PhysBase) {
		return fmt.Errorf("physical base %#x must be page aligned", c.PhysBase)
	}
	if c.PhysPages == 0 {
		return fmt.Errorf("phys-pages must be positive")
	}
	return nil
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config: iommu=%s granule=%#x max-extent=%#x aspace=[%#x, +%#x)", c.IOMMU, c.Granule, c.MaxExtent, c.AspaceBase, c.AspaceSize)
	log.Infof("Config: phys=[%#x, +%d pages) scatter=%t", c.PhysBase, c.PhysPages, c.Scatter)
	log.Infof("Config: log-format=%s debug=%t ref-leak-mode=%s", c.LogFormat, c.Debug, c.ReferenceLeak)
}
