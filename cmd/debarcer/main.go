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
package main

/*
debarcer processes UMI-tagged NGS reads into UMI families and per-position
consensus alleles, and optionally emits VCF-style variant records.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/debarcer/config"
	"github.com/grailbio/debarcer/pileup"
	"github.com/grailbio/debarcer/region"
)

var (
	configPath = flag.String("config", "", "Path to an INI-like config file ([SETTINGS]/[PATHS]/[REPORT]); config values take precedence over flags below when both set a key")
	bamPath    = flag.String("bam", "", "Input BAM path")
	bedPath    = flag.String("bed", "", "Input BED path listing regions to process; this xor -region required")
	regionStr  = flag.String("region", "", "Restrict processing to a single chrN:start-end region; this xor -bed required")
	bamIndex   = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	fastaPath  = flag.String("fasta", "", "Reference FASTA path")
	outDir     = flag.String("out", "", "Output directory root (§6 directory layout)")

	posThreshold    = flag.Int("P", 20, "umi_family_pos_threshold: max distance (bases) between a read's start and its family's anchor position")
	editDistance    = flag.Int("D", 1, "umi_edit_distance_threshold: max Hamming distance between adjacent UMIs")
	consensusPct    = flag.Float64("percent-consensus-threshold", 70, "percent_consensus_threshold: minimum vote share for a family's consensus allele")
	countThreshold  = flag.Int("count-consensus-threshold", 1, "count_consensus_threshold: minimum vote count for a family's consensus allele")
	refThreshold    = flag.Float64("percent-ref-threshold", 95, "percent_ref_threshold: emit a VCF record only when REF_FREQ is at or below this")
	altThreshold    = flag.Float64("percent-alt-threshold", 2, "percent_alt_threshold: minimum within-position frequency for an alt allele to be reported")
	filterThreshold = flag.Int("filter-threshold", 10, "filter_threshold: minimum alt allele depth to mark a VCF record PASS")
	minFamilySizes  = flag.String("min-family-sizes", "1", "min_family_sizes: comma-separated family-size thresholds (0 is implicit)")
	ignoreRemainder = flag.Bool("ignore-group-remainders", false, "Keep only the most abundant positional family of each UMI group and discard the group's other families")
	fileDate        = flag.String("file-date", "", "YYYYMMDD stamp written to VCF ##fileDate; the core never calls time.Now so this must be supplied for deterministic output")
)

func usage() {
	fmt.Printf("Usage: %s [OPTIONS]\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	shutdown := grail.Init()
	defer shutdown()

	flag.Parse()
	ctx := vcontext.Background()

	cfg := config.Config{
		UMIFamilyPosThreshold:     *posThreshold,
		UMIEditDistanceThreshold:  *editDistance,
		PercentConsensusThreshold: *consensusPct,
		CountConsensusThreshold:   *countThreshold,
		PercentRefThreshold:       *refThreshold,
		PercentAltThreshold:       *altThreshold,
		FilterThreshold:           *filterThreshold,
		BamPath:                   *bamPath,
		BedPath:                   *bedPath,
		FastaPath:                 *fastaPath,
		OutDir:                    *outDir,
	}
	sizes, err := parseSizes(*minFamilySizes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		os.Exit(1)
	}
	cfg.MinFamilySizes = sizes

	if *configPath != "" {
		fileCfg, err := config.Load(ctx, *configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
			os.Exit(1)
		}
		cfg = fileCfg.MergeFlags(cfg)
	}

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "ERR: %v\n", err)
		os.Exit(1)
	}
	log.Debug.Printf("exiting")
}

func parseSizes(s string) ([]int, error) {
	sizes, err := config.ParseIntList(s)
	if err != nil {
		return nil, fmt.Errorf("min-family-sizes: %w", err)
	}
	return sizes, nil
}

func run(ctx context.Context, cfg config.Config) error {
	if cfg.BamPath == "" || cfg.FastaPath == "" || cfg.OutDir == "" {
		return fmt.Errorf("debarcer: -bam, -fasta, and -out are required")
	}
	if (cfg.BedPath == "") == (*regionStr == "") {
		return fmt.Errorf("debarcer: exactly one of -bed or -region is required")
	}

	var regions []region.Region
	switch {
	case cfg.BedPath != "":
		rs, err := region.LoadBED(ctx, cfg.BedPath)
		if err != nil {
			return err
		}
		regions = rs
	case *regionStr != "":
		r, err := region.ParseRegionString(*regionStr)
		if err != nil {
			return err
		}
		regions = []region.Region{r}
	}

	params := region.Params{
		PosThreshold:          pileup.PosType(cfg.UMIFamilyPosThreshold),
		EditDistanceThreshold: cfg.UMIEditDistanceThreshold,
		ConsensusThresholdPct: cfg.PercentConsensusThreshold,
		CountThreshold:        cfg.CountConsensusThreshold,
		RefThreshold:          cfg.PercentRefThreshold,
		AltThreshold:          cfg.PercentAltThreshold,
		FilterThreshold:       cfg.FilterThreshold,
		MinFamilySizes:        cfg.MinFamilySizes,
		IgnoreGroupRemainders: *ignoreRemainder,
		OutDir:                cfg.OutDir,
		BamPath:               cfg.BamPath,
		BamIndexPath:          *bamIndex,
		FastaPath:             cfg.FastaPath,
		Source:                "debarcer",
		FileDate:              *fileDate,
	}
	return region.Run(ctx, regions, params)
}
