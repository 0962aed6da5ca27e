// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config parses the INI-like configuration file (§6) that supplies
// the threshold and path settings a debarcer run needs, under [SETTINGS],
// [PATHS], and [REPORT] sections.
package config

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Config holds every setting §6 lists, merged from a config file and CLI
// flags (§9 "Configuration precedence": config file wins over a CLI flag
// whenever both set the same key).
type Config struct {
	UMIFamilyPosThreshold     int
	UMIEditDistanceThreshold  int
	PercentConsensusThreshold float64
	CountConsensusThreshold   int
	PercentRefThreshold       float64
	PercentAltThreshold       float64
	FilterThreshold           int
	MinFamilySizes            []int

	BamPath   string
	BedPath   string
	FastaPath string
	OutDir    string
}

// section is an INI section name; unrecognized sections and keys are
// ignored rather than rejected, since the §6 settings list is not
// exhaustive of every key a config file may carry.
type section int

const (
	sectionNone section = iota
	sectionSettings
	sectionPaths
	sectionReport
)

// Load reads an INI-like config file at path: "[SECTION]" lines switch the
// active section, "key = value" lines (or "key: value") set a field, blank
// lines and lines starting with '#' or ';' are ignored. This is a
// hand-rolled scanner in the teacher's own style for line-oriented formats
// (see pileup/common.go's LoadFa and umi/correction.go's
// NewSnapCorrector, both bufio.Scanner-based) rather than an INI library,
// since none appears anywhere in the retrieved pack.
func Load(ctx context.Context, path string) (Config, error) {
	var cfg Config
	f, err := file.Open(ctx, path)
	if err != nil {
		return cfg, errors.E(errors.Invalid, fmt.Sprintf("config.Load: open %s", path), err)
	}
	defer f.Close(ctx) // nolint: errcheck

	sec := sectionNone
	scanner := bufio.NewScanner(f.Reader(ctx))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			switch strings.ToUpper(strings.TrimSpace(line[1 : len(line)-1])) {
			case "SETTINGS":
				sec = sectionSettings
			case "PATHS":
				sec = sectionPaths
			case "REPORT":
				sec = sectionReport
			default:
				sec = sectionNone
			}
			continue
		}
		key, val, ok := splitKV(line)
		if !ok {
			return cfg, errors.E(errors.Invalid, fmt.Sprintf("config.Load: %s line %d: expected \"key = value\"", path, lineNum))
		}
		if err := cfg.set(sec, key, val); err != nil {
			return cfg, errors.E(errors.Invalid, fmt.Sprintf("config.Load: %s line %d", path, lineNum), err)
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, errors.E(errors.Other, fmt.Sprintf("config.Load: scan %s", path), err)
	}
	return cfg, nil
}

func splitKV(line string) (key, val string, ok bool) {
	sep := strings.IndexAny(line, "=:")
	if sep < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:sep]), strings.TrimSpace(line[sep+1:]), true
}

func (c *Config) set(sec section, key, val string) error {
	key = strings.ToLower(key)
	switch sec {
	case sectionSettings:
		return c.setSetting(key, val)
	case sectionPaths:
		return c.setPath(key, val)
	case sectionReport:
		return c.setReport(key, val)
	default:
		return nil
	}
}

func (c *Config) setSetting(key, val string) error {
	switch key {
	case "umi_family_pos_threshold":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("umi_family_pos_threshold: %w", err)
		}
		c.UMIFamilyPosThreshold = n
	case "umi_edit_distance_threshold":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("umi_edit_distance_threshold: %w", err)
		}
		c.UMIEditDistanceThreshold = n
	case "percent_consensus_threshold":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("percent_consensus_threshold: %w", err)
		}
		c.PercentConsensusThreshold = f
	case "count_consensus_threshold":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("count_consensus_threshold: %w", err)
		}
		c.CountConsensusThreshold = n
	case "min_family_sizes":
		sizes, err := parseIntList(val)
		if err != nil {
			return fmt.Errorf("min_family_sizes: %w", err)
		}
		c.MinFamilySizes = sizes
	}
	return nil
}

func (c *Config) setPath(key, val string) error {
	switch key {
	case "bam", "bam_path":
		c.BamPath = val
	case "bed", "bed_path":
		c.BedPath = val
	case "fasta", "reference", "fasta_path":
		c.FastaPath = val
	case "out", "out_dir", "output":
		c.OutDir = val
	}
	return nil
}

func (c *Config) setReport(key, val string) error {
	switch key {
	case "percent_ref_threshold":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("percent_ref_threshold: %w", err)
		}
		c.PercentRefThreshold = f
	case "percent_alt_threshold":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("percent_alt_threshold: %w", err)
		}
		c.PercentAltThreshold = f
	case "filter_threshold":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("filter_threshold: %w", err)
		}
		c.FilterThreshold = n
	}
	return nil
}

// ParseIntList parses a comma-separated list of integers, the same syntax
// min_family_sizes uses both in a config file and on the CLI.
func ParseIntList(val string) ([]int, error) {
	return parseIntList(val)
}

func parseIntList(val string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MergeFlags overlays CLI-flag-derived values onto c wherever c's own field
// is still at its zero value, implementing the "config wins" precedence
// rule (§9): a flag only takes effect when the config file left a setting
// unset.
func (c Config) MergeFlags(flags Config) Config {
	if c.UMIFamilyPosThreshold == 0 {
		c.UMIFamilyPosThreshold = flags.UMIFamilyPosThreshold
	}
	if c.UMIEditDistanceThreshold == 0 {
		c.UMIEditDistanceThreshold = flags.UMIEditDistanceThreshold
	}
	if c.PercentConsensusThreshold == 0 {
		c.PercentConsensusThreshold = flags.PercentConsensusThreshold
	}
	if c.CountConsensusThreshold == 0 {
		c.CountConsensusThreshold = flags.CountConsensusThreshold
	}
	if c.PercentRefThreshold == 0 {
		c.PercentRefThreshold = flags.PercentRefThreshold
	}
	if c.PercentAltThreshold == 0 {
		c.PercentAltThreshold = flags.PercentAltThreshold
	}
	if c.FilterThreshold == 0 {
		c.FilterThreshold = flags.FilterThreshold
	}
	if len(c.MinFamilySizes) == 0 {
		c.MinFamilySizes = flags.MinFamilySizes
	}
	if c.BamPath == "" {
		c.BamPath = flags.BamPath
	}
	if c.BedPath == "" {
		c.BedPath = flags.BedPath
	}
	if c.FastaPath == "" {
		c.FastaPath = flags.FastaPath
	}
	if c.OutDir == "" {
		c.OutDir = flags.OutDir
	}
	return c
}
