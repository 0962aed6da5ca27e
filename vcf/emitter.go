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

// Package vcf renders consensus tables into VCF 4.1 variant records (§4.F).
package vcf

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/debarcer/pileup"
)

// Thresholds bundles the three report thresholds that gate variant
// emission (§4.F).
type Thresholds struct {
	// RefThreshold: record a position only if REF_FREQ <= this.
	RefThreshold float64
	// AltThreshold: include an alt allele only if its within-position
	// frequency >= this.
	AltThreshold float64
	// FilterThreshold: mark PASS if any alt allele depth >= this, else tag
	// the filter column with "a<FilterThreshold>".
	FilterThreshold int
}

// Record is one emitted VCF data row (§6).
type Record struct {
	Chrom      string
	Pos        int // 1-based
	Ref        byte
	Alts       []byte // alt allele bytes, in emission order
	AltDepths  []int
	AltFreqs   []float64
	RawDepth   int
	ConsDepth  int
	MinFamily  int
	MeanFamily float64
	Filter     string
}

// BuildRecords groups rows by family size (the caller is expected to have
// already restricted rows to one contig/region) and, for each row passing
// RefThreshold, emits a Record listing every alt allele clearing
// AltThreshold (§4.F algorithm).
func BuildRecords(rows []pileup.ConsensusRow, th Thresholds) []Record {
	sorted := make([]pileup.ConsensusRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].FamilySize != sorted[j].FamilySize {
			return sorted[i].FamilySize < sorted[j].FamilySize
		}
		return sorted[i].Pos < sorted[j].Pos
	})

	var out []Record
	for _, row := range sorted {
		if row.RefFreq > th.RefThreshold {
			continue
		}
		depth := row.ConsDepth
		if row.FamilySize == 0 {
			depth = row.RawDepth
		}
		if depth == 0 {
			continue
		}
		rec := Record{
			Chrom:      row.Chrom,
			Pos:        row.Pos,
			Ref:        row.Ref,
			RawDepth:   row.RawDepth,
			ConsDepth:  row.ConsDepth,
			MinFamily:  row.MinFamily,
			MeanFamily: row.MeanFamily,
		}
		passAlt := false
		for _, a := range []pileup.Allele{pileup.AlleleA, pileup.AlleleC, pileup.AlleleG, pileup.AlleleT, pileup.AlleleI, pileup.AlleleD, pileup.AlleleN} {
			if a.String()[0] == row.Ref {
				continue
			}
			count := row.Counts[a]
			if count == 0 {
				continue
			}
			freq := float64(count) / float64(depth) * 100
			if freq < th.AltThreshold {
				continue
			}
			rec.Alts = append(rec.Alts, a.String()[0])
			rec.AltDepths = append(rec.AltDepths, count)
			rec.AltFreqs = append(rec.AltFreqs, freq)
			if count >= th.FilterThreshold {
				passAlt = true
			}
		}
		if len(rec.Alts) == 0 {
			continue
		}
		if passAlt {
			rec.Filter = "PASS"
		} else {
			rec.Filter = fmt.Sprintf("a%d", th.FilterThreshold)
		}
		out = append(out, rec)
	}
	return out
}

// Write emits a VCF 4.1 file to path for one (region, family_size) pair
// (§6). fileDate is formatted YYYYMMDD by the caller so the writer never
// calls time.Now (which would break deterministic byte-for-byte output).
func Write(ctx context.Context, path string, records []Record, referencePath, fileDate string, familySize int) error {
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("vcf.Write: create %s", path), err)
	}
	out := w.Writer(ctx)

	header := strings.Join([]string{
		"##fileformat=VCFv4.1",
		"##fileDate=" + fileDate,
		"##reference=" + referencePath,
		"##source=debarcer",
		fmt.Sprintf("##f_size=%d", familySize),
		`##INFO=<ID=RDP,Number=1,Type=Integer,Description="Raw Depth">`,
		`##INFO=<ID=CDP,Number=1,Type=Integer,Description="Consensus Depth">`,
		`##INFO=<ID=MIF,Number=1,Type=Integer,Description="Minimum Family Size">`,
		`##INFO=<ID=MNF,Number=1,Type=Float,Description="Mean Family Size">`,
		`##INFO=<ID=AD,Number=1,Type=Integer,Description="Reference Allele Depth">`,
		`##INFO=<ID=AL,Number=.,Type=Integer,Description="Alternate Allele Depth">`,
		`##INFO=<ID=AF,Number=.,Type=Float,Description="Alternate Allele Frequency">`,
		"#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO",
		"",
	}, "\n")
	if _, err := out.Write([]byte(header)); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, "vcf.Write: write header", err)
	}

	for _, r := range records {
		alts := make([]string, len(r.Alts))
		altDepths := make([]string, len(r.Alts))
		altFreqs := make([]string, len(r.Alts))
		for i, a := range r.Alts {
			alts[i] = string(a)
			altDepths[i] = strconv.Itoa(r.AltDepths[i])
			altFreqs[i] = strconv.FormatFloat(r.AltFreqs[i], 'f', 2, 64)
		}
		refDepth := r.ConsDepth
		if familySize == 0 {
			refDepth = r.RawDepth
		}
		for _, d := range r.AltDepths {
			refDepth -= d
		}
		info := fmt.Sprintf("RDP=%d;CDP=%d;MIF=%d;MNF=%.2f;AD=%d;AL=%s;AF=%s",
			r.RawDepth, r.ConsDepth, r.MinFamily, r.MeanFamily, refDepth,
			strings.Join(altDepths, ","), strings.Join(altFreqs, ","))
		line := fmt.Sprintf("%s\t%d\t.\t%c\t%s\t0\t%s\t%s\n",
			r.Chrom, r.Pos, r.Ref, strings.Join(alts, ","), r.Filter, info)
		if _, err := out.Write([]byte(line)); err != nil {
			_ = w.Close(ctx)
			return errors.E(errors.Other, "vcf.Write: write record", err)
		}
	}
	return w.Close(ctx)
}
