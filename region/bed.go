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

// Package region parses the BED/region-string inputs that drive one run
// (§6) and lays out the output directory tree each region writes into.
package region

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/debarcer/interval"
	"github.com/klauspost/compress/gzip"
)

// Region is one contiguous, 0-based-half-open pileup range the driver
// processes independently of every other region (§5).
type Region struct {
	Contig string
	Start0 interval.PosType // 0-based, inclusive
	End    interval.PosType // 0-based, exclusive
}

// String renders the region in the canonical "chrN:start-end" form (§6),
// 1-based inclusive, used both on the CLI and in every output filename.
func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Contig, r.Start0+1, r.End)
}

// ParseRegionString parses a single "chrN:start-end" (or "chrN:pos", or bare
// "chrN") CLI argument into a Region (§6 region string format).
func ParseRegionString(s string) (Region, error) {
	entry, err := interval.ParseRegionString(s)
	if err != nil {
		return Region{}, errors.E(errors.Invalid, fmt.Sprintf("region: malformed region string %q", s), err)
	}
	return Region{Contig: entry.ChrName, Start0: entry.Start0, End: entry.End}, nil
}

// LoadBED reads a BED file (three whitespace/tab-separated columns: chrom,
// 0-based start, end) from path, transparently gzip-decompressing when the
// extension indicates it. The disjoint-interval-union machinery
// (interval.BEDUnion) does the actual interval parsing and merges any
// touching/overlapping intervals, exactly as the teacher's BED loader does;
// LoadBED strips comment/track header lines first (interval.NewBEDUnion's
// strict 3-token-per-line scanner has no notion of those) and flattens the
// union back into the ordered []Region driver input (§5: each disjoint
// interval is processed independently).
func LoadBED(ctx context.Context, path string) ([]Region, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("region.LoadBED: open %s", path), err)
	}
	defer f.Close(ctx) // nolint: errcheck

	var reader io.Reader = f.Reader(ctx)
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, gzErr := gzip.NewReader(reader)
		if gzErr != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("region.LoadBED: gunzip %s", path), gzErr)
		}
		reader = gz
	}

	var filtered bytes.Buffer
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "track") {
			continue
		}
		filtered.WriteString(line)
		filtered.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(errors.Other, fmt.Sprintf("region.LoadBED: scan %s", path), err)
	}

	u, err := interval.NewBEDUnion(&filtered, interval.NewBEDOpts{})
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("region.LoadBED: %s", path), err)
	}
	entries := u.Entries()
	if len(entries) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("region.LoadBED: %s contains no regions", path))
	}
	regions := make([]Region, len(entries))
	for i, e := range entries {
		regions[i] = Region{Contig: e.ChrName, Start0: e.Start0, End: e.End}
	}
	return regions, nil
}

// Layout is the set of output paths one region's artifacts are written to,
// rooted at outDir (§6 directory layout).
type Layout struct {
	UmiIndex           string
	Datafile           string
	ConsensusTable      string
	CoverageFragment   string
	Relationships      string
	UmisBeforeGrouping string
	MappedReadCounts   string
}

// VCFPath returns the path for this region's variant file at family size f
// (§6: VCFfiles/{contig}:{start}-{end}_umifam_{f}.vcf).
func (l Layout) VCFPath(outDir string, r Region, f int) string {
	return joinPath(outDir, "VCFfiles", fmt.Sprintf("%s_umifam_%d.vcf", r.String(), f))
}

// NewLayout builds the Layout for region r under outDir. It does not create
// any directories; callers write through github.com/grailbio/base/file,
// which creates parent paths as needed for local and object-store targets.
func NewLayout(outDir string, r Region) Layout {
	key := r.String()
	return Layout{
		UmiIndex:           joinPath(outDir, "Umifiles", key+".json"),
		Datafile:           joinPath(outDir, "Datafiles", "datafile_"+key+".csv"),
		ConsensusTable:     joinPath(outDir, "Consfiles", key+".cons"),
		CoverageFragment:   joinPath(outDir, "Stats", "coverage_"+sanitize(key)+".yml"),
		Relationships:      joinPath(outDir, "Stats", "UMI_relationships_"+sanitize(key)+".txt"),
		UmisBeforeGrouping: joinPath(outDir, "Stats", "Umis_"+sanitize(key)+"_before_grouping.json"),
		MappedReadCounts:   joinPath(outDir, "Stats", "Mapped_read_counts_"+sanitize(key)+".json"),
	}
}

func joinPath(elem ...string) string {
	return strings.Join(elem, "/")
}

// sanitize replaces path-hostile characters in a region key ("chr1:1-100")
// so it can be used inside a Stats/ filename.
func sanitize(key string) string {
	return strings.NewReplacer(":", "_", "-", "_").Replace(key)
}
