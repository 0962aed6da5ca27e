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
	"testing"

	"github.com/grailbio/hts/sam"
)

func newTestRecord(name string, pos int, cigar sam.Cigar, seq, qual string) *sam.Record {
	r := &sam.Record{
		Name:  name,
		Pos:   pos,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte(seq)),
		Qual:  []byte(qual),
	}
	return r
}

func TestAlignedBasesSimpleMatch(t *testing.T) {
	r := newTestRecord("r1", 100, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 4)}, "ACGT", "IIII")
	bases, err := AlignedBases(r, nil)
	if err != nil {
		t.Fatalf("AlignedBases: %v", err)
	}
	if len(bases) != 4 {
		t.Fatalf("got %d bases, want 4", len(bases))
	}
	for i, want := range []byte("ACGT") {
		if bases[i].RefPos != PosType(100+i) || bases[i].Base != want || bases[i].IsDel || bases[i].IsRefSkip {
			t.Errorf("base %d: got %+v, want ref=%d base=%c", i, bases[i], 100+i, want)
		}
	}
}

func TestAlignedBasesDeletion(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 2),
		sam.NewCigarOp(sam.CigarDeletion, 3),
		sam.NewCigarOp(sam.CigarMatch, 2),
	}
	r := newTestRecord("r1", 0, cigar, "ACGT", "IIII")
	bases, err := AlignedBases(r, nil)
	if err != nil {
		t.Fatalf("AlignedBases: %v", err)
	}
	if len(bases) != 7 {
		t.Fatalf("got %d bases, want 7 (2 match + 3 del + 2 match)", len(bases))
	}
	if bases[1].IndelLen != -3 {
		t.Errorf("expected the match position before the deletion to carry IndelLen -3, got %d", bases[1].IndelLen)
	}
	for i := 2; i < 5; i++ {
		if !bases[i].IsDel {
			t.Errorf("position %d should be marked IsDel", i)
		}
	}
}

func TestAlignedBasesInsertion(t *testing.T) {
	cigar := sam.Cigar{
		sam.NewCigarOp(sam.CigarMatch, 2),
		sam.NewCigarOp(sam.CigarInsertion, 2),
		sam.NewCigarOp(sam.CigarMatch, 2),
	}
	r := newTestRecord("r1", 0, cigar, "ACGTAC", "IIIIII")
	bases, err := AlignedBases(r, nil)
	if err != nil {
		t.Fatalf("AlignedBases: %v", err)
	}
	if len(bases) != 4 {
		t.Fatalf("got %d bases, want 4 (insertions don't consume reference)", len(bases))
	}
	if bases[1].IndelLen != 2 {
		t.Errorf("expected the match position before the insertion to carry IndelLen 2, got %d", bases[1].IndelLen)
	}
	if bases[2].RefPos != 2 || bases[2].QueryPos != 4 {
		t.Errorf("expected the post-insertion match to resume at refPos 2, queryPos 4, got %+v", bases[2])
	}
}

func TestBuildColumnsGroupsByPosition(t *testing.T) {
	r1 := newTestRecord("r1", 10, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 3)}, "AAA", "III")
	r2 := newTestRecord("r2", 11, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 3)}, "CCC", "III")
	cols, err := BuildColumns([]*sam.Record{r1, r2}, nil, ColumnReaderOpts{MaxDepth: 100})
	if err != nil {
		t.Fatalf("BuildColumns: %v", err)
	}
	// positions 10,11,12,13 -> depths 1,2,2,1
	want := map[PosType]int{10: 1, 11: 2, 12: 2, 13: 1}
	if len(cols) != len(want) {
		t.Fatalf("got %d columns, want %d", len(cols), len(want))
	}
	for _, c := range cols {
		if len(c.Bases) != want[c.Pos] {
			t.Errorf("column %d: got depth %d, want %d", c.Pos, len(c.Bases), want[c.Pos])
		}
	}
}

func TestBuildColumnsRespectsMaxDepth(t *testing.T) {
	r1 := newTestRecord("r1", 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 1)}, "A", "I")
	r2 := newTestRecord("r2", 0, sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 1)}, "C", "I")
	cols, err := BuildColumns([]*sam.Record{r1, r2}, nil, ColumnReaderOpts{MaxDepth: 1})
	if err != nil {
		t.Fatalf("BuildColumns: %v", err)
	}
	if len(cols) != 1 || len(cols[0].Bases) != 1 {
		t.Fatalf("expected MaxDepth to cap the column at 1 read, got %+v", cols)
	}
}
