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
package pileup

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gopkg.in/yaml.v2"
)

func readAllFile(ctx context.Context, r file.File) ([]byte, error) {
	return io.ReadAll(r.Reader(ctx))
}

func consensusTableBytes(rows []ConsensusRow) ([]byte, error) {
	sorted := make([]ConsensusRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Pos != sorted[j].Pos {
			return sorted[i].Pos < sorted[j].Pos
		}
		return sorted[i].FamilySize < sorted[j].FamilySize
	})

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = '\t'

	header := []string{"CHROM", "POS", "REF", "A", "C", "G", "T", "I", "D", "N", "RAWDP", "CONSDP", "FAM", "REF_FREQ", "MEAN_FAM"}
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	for _, r := range sorted {
		ref := string(r.Ref)
		if r.Ref == 0 {
			ref = "N"
		}
		row := []string{
			r.Chrom,
			strconv.Itoa(r.Pos),
			ref,
			strconv.Itoa(r.Counts[AlleleA]),
			strconv.Itoa(r.Counts[AlleleC]),
			strconv.Itoa(r.Counts[AlleleG]),
			strconv.Itoa(r.Counts[AlleleT]),
			strconv.Itoa(r.Counts[AlleleI]),
			strconv.Itoa(r.Counts[AlleleD]),
			strconv.Itoa(r.Counts[AlleleN]),
			strconv.Itoa(r.RawDepth),
			strconv.Itoa(r.ConsDepth),
			strconv.Itoa(r.FamilySize),
			strconv.FormatFloat(round2(r.RefFreq), 'f', 2, 64),
			strconv.FormatFloat(round2(r.MeanFamily), 'f', 2, 64),
		}
		if err := cw.Write(row); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteConsensusTable writes rows to path (Consfiles/{region}.cons, §6),
// tab-delimited with the mandated header, ordered by (position ascending,
// family_size ascending) regardless of the order rows were passed in.
func WriteConsensusTable(ctx context.Context, path string, rows []ConsensusRow) error {
	data, err := consensusTableBytes(rows)
	if err != nil {
		return errors.E(errors.Other, "pileup.WriteConsensusTable: encode", err)
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteConsensusTable: create %s", path), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteConsensusTable: write %s", path), err)
	}
	return w.Close(ctx)
}

// WriteConsensusTableCompressed writes the same table as WriteConsensusTable,
// snappy-compressed, to path+".sz" — an archival copy for large consensus
// tables, in the same ad hoc block-snappy style the teacher uses for its own
// shard files (cmd/bio-bam-sort/sorter/sortshard.go) ahead of any recordio
// integration.
func WriteConsensusTableCompressed(ctx context.Context, path string, rows []ConsensusRow) error {
	data, err := consensusTableBytes(rows)
	if err != nil {
		return errors.E(errors.Other, "pileup.WriteConsensusTableCompressed: encode", err)
	}
	compressed := snappy.Encode(nil, data)
	w, err := file.Create(ctx, path+".sz")
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteConsensusTableCompressed: create %s.sz", path), err)
	}
	if _, err := w.Writer(ctx).Write(compressed); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteConsensusTableCompressed: write %s.sz", path), err)
	}
	return w.Close(ctx)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// WriteCoverageFragment writes a single-entry YAML fragment mapping
// "contig:start-end" to its mean coverage (§6 coverage side-car, §9
// concurrency note: per-region fragments avoid concurrent-append hazards on
// the shared CoverageStats.yml).
func WriteCoverageFragment(ctx context.Context, path, regionKey string, meanCoverage float64) error {
	data, err := yaml.Marshal(map[string]float64{regionKey: round2(meanCoverage)})
	if err != nil {
		return errors.E(errors.Other, "pileup.WriteCoverageFragment: marshal", err)
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteCoverageFragment: create %s", path), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("pileup.WriteCoverageFragment: write %s", path), err)
	}
	return w.Close(ctx)
}

// MergeCoverageStats reads every per-region fragment in fragPaths and writes
// the merged map to outPath (Stats/CoverageStats.yml).
func MergeCoverageStats(ctx context.Context, outPath string, fragPaths []string) error {
	merged := map[string]float64{}
	for _, p := range fragPaths {
		r, err := file.Open(ctx, p)
		if err != nil {
			return errors.E(errors.Other, fmt.Sprintf("pileup.MergeCoverageStats: open %s", p), err)
		}
		data, err := readAllFile(ctx, r)
		_ = r.Close(ctx)
		if err != nil {
			return errors.E(errors.Other, fmt.Sprintf("pileup.MergeCoverageStats: read %s", p), err)
		}
		var frag map[string]float64
		if err := yaml.Unmarshal(data, &frag); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("pileup.MergeCoverageStats: malformed fragment %s", p), err)
		}
		for k, v := range frag {
			merged[k] = v
		}
	}
	data, err := yaml.Marshal(merged)
	if err != nil {
		return errors.E(errors.Other, "pileup.MergeCoverageStats: marshal", err)
	}
	w, err := file.Create(ctx, outPath)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("pileup.MergeCoverageStats: create %s", outPath), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("pileup.MergeCoverageStats: write %s", outPath), err)
	}
	return w.Close(ctx)
}
