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
package vcf

import (
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/debarcer/pileup"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

// TestBuildRecordsEmitsPassingAlt matches the VCF emission scenario: REF=A,
// A=2, T=18, RAWDP=50, CONSDP=20, FAM=3, under ref_threshold=95,
// alt_threshold=2, filter_threshold=10.
func TestBuildRecordsEmitsPassingAlt(t *testing.T) {
	row := pileup.ConsensusRow{
		Chrom:      "chr1",
		Pos:        100,
		Ref:        'A',
		FamilySize: 3,
		RawDepth:   50,
		ConsDepth:  20,
		MeanFamily: 3.5,
	}
	row.Counts[pileup.AlleleA] = 2
	row.Counts[pileup.AlleleT] = 18
	row.RefFreq = float64(row.Counts[pileup.AlleleA]) / float64(row.ConsDepth) * 100 // 10

	th := Thresholds{RefThreshold: 95, AltThreshold: 2, FilterThreshold: 10}
	recs := BuildRecords([]pileup.ConsensusRow{row}, th)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if len(r.Alts) != 1 || r.Alts[0] != 'T' {
		t.Fatalf("got alts %q, want [T]", r.Alts)
	}
	if r.AltDepths[0] != 18 {
		t.Errorf("got alt depth %d, want 18", r.AltDepths[0])
	}
	if r.AltFreqs[0] != 90 {
		t.Errorf("got alt freq %v, want 90", r.AltFreqs[0])
	}
	if r.Filter != "PASS" {
		t.Errorf("got filter %q, want PASS", r.Filter)
	}
}

// TestBuildRecordsSkipsAboveRefThreshold matches rows whose REF_FREQ exceeds
// the ref_threshold: no record should be emitted.
func TestBuildRecordsSkipsAboveRefThreshold(t *testing.T) {
	row := pileup.ConsensusRow{
		Chrom: "chr1", Pos: 50, Ref: 'A', FamilySize: 1, ConsDepth: 10,
	}
	row.Counts[pileup.AlleleA] = 10
	row.RefFreq = 100
	th := Thresholds{RefThreshold: 95, AltThreshold: 2, FilterThreshold: 10}
	recs := BuildRecords([]pileup.ConsensusRow{row}, th)
	if len(recs) != 0 {
		t.Fatalf("got %d records, want 0", len(recs))
	}
}

// TestBuildRecordsTagsFailingFilter matches a passing alt allele whose depth
// falls below filter_threshold: the filter column should carry "a<N>", not
// PASS.
func TestBuildRecordsTagsFailingFilter(t *testing.T) {
	row := pileup.ConsensusRow{
		Chrom: "chr1", Pos: 75, Ref: 'A', FamilySize: 1, ConsDepth: 20,
	}
	row.Counts[pileup.AlleleA] = 15
	row.Counts[pileup.AlleleC] = 5
	row.RefFreq = 75
	th := Thresholds{RefThreshold: 95, AltThreshold: 2, FilterThreshold: 10}
	recs := BuildRecords([]pileup.ConsensusRow{row}, th)
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	if recs[0].Filter != "a10" {
		t.Errorf("got filter %q, want a10", recs[0].Filter)
	}
}

func TestWriteProducesValidHeaderAndRows(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	records := []Record{
		{
			Chrom: "chr1", Pos: 100, Ref: 'A',
			Alts: []byte{'T'}, AltDepths: []int{18}, AltFreqs: []float64{90},
			RawDepth: 50, ConsDepth: 20, MeanFamily: 3.5, Filter: "PASS",
		},
	}
	path := filepath.Join(tmpdir, "chr1.f3.vcf")
	assert.NoError(t, Write(ctx, path, records, "/ref/genome.fa", "20260730", 3))

	r, err := file.Open(ctx, path)
	assert.NoError(t, err)
	defer r.Close(ctx)
	data, err := io.ReadAll(r.Reader(ctx))
	assert.NoError(t, err)

	text := string(data)
	if !strings.HasPrefix(text, "##fileformat=VCFv4.1\n") {
		t.Errorf("missing fileformat line: %s", text)
	}
	if !strings.Contains(text, "##f_size=3\n") {
		t.Errorf("missing f_size line: %s", text)
	}
	if !strings.Contains(text, "#CHROM\tPOS\tID\tREF\tALT\tQUAL\tFILTER\tINFO\n") {
		t.Errorf("missing column header: %s", text)
	}
	if !strings.Contains(text, "chr1\t100\t.\tA\tT\t0\tPASS\t") {
		t.Errorf("missing data row: %s", text)
	}
	if !strings.Contains(text, "AD=2") {
		t.Errorf("missing computed reference allele depth AD=2: %s", text)
	}
}
