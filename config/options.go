// Package config collects the runtime's tunables into one Options
// struct, constructible in code or loaded from YAML via
// gopkg.in/yaml.v3 for operators who prefer a config file over wiring
// values by hand.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Options mirrors the "Configuration options" table (spec.md §6) plus
// KeepaliveInterval. DefaultBufferSize is parsed and defaulted but no
// package in this module reads it; the memsys.MMSA passed to rpc.Open is
// sized by its own Init call.
type Options struct {
	OutputBufferSize     int  `yaml:"output_buffer_size"`
	MergeWrites          bool `yaml:"merge_writes"`
	MaxConcurrentStreams int  `yaml:"max_concurrent_streams"`
	DefaultBufferSize    int  `yaml:"default_buffer_size"`

	KeepaliveInterval int `yaml:"keepalive_interval_sec"`
}

// Default returns the baseline configuration: coalescing on with the
// transport package's default buffer, id-space search bounded the way
// spec.md §4.6 describes ("fail after, say, 1024 attempts").
func Default() *Options {
	return &Options{
		OutputBufferSize:     64 * 1024,
		MergeWrites:          true,
		MaxConcurrentStreams: 1024,
		DefaultBufferSize:    8 + 65535,
		KeepaliveInterval:    30,
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// an operator's file only needs to override what it cares about.
func Load(path string) (*Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := Default()
	if err := yaml.Unmarshal(b, opts); err != nil {
		return nil, err
	}
	return opts, nil
}
