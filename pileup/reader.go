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
	"fmt"
	"sort"

	"github.com/grailbio/hts/sam"
)

// AlignedBase is one read's contribution to a single reference position
// (one pysam pileup-column entry): the base it shows at that position (or a
// deletion/reference-skip marker), its quality, its offset in the read, and
// the length of any indel anchored at this position.
type AlignedBase struct {
	RefPos      PosType
	QueryPos    int  // offset into the read's sequence; -1 for deletions/skips
	IsDel       bool // aligned read skips this ref position via a CIGAR 'D'
	IsRefSkip   bool // aligned read skips this ref position via a CIGAR 'N'
	IndelLen    int  // >0: insertion of this length starts just after this position; <0: deletion of this length starts just after this position
	Base        byte // ASCII base, 0 for IsDel/IsRefSkip positions
	Qual        byte
	ReadName    string
	ReadStart   PosType
	QueryLength int // length of the read's aligned query sequence, for depth/truncate bookkeeping

	// RefAllele/ObsAllele are the PileupBase strings (§3): both length 1 for
	// a plain match, RefAllele longer for a deletion anchored here, ObsAllele
	// longer for an insertion anchored here. Left empty for IsDel/IsRefSkip
	// positions (no PileupBase) or when refSeq wasn't supplied.
	RefAllele string
	ObsAllele string
}

// AlignedBases walks r's CIGAR string and returns one AlignedBase per
// reference position the alignment spans (matches, deletions, and
// ref-skips), mirroring pysam's per-read pileup column contribution:
// is_del/is_refskip mark non-match positions, and a nonzero IndelLen
// flags a position immediately preceding an insertion or deletion.
//
// refSeq, if non-nil, is the full reference sequence for r's contig
// (0-based); it is used to fill in RefAllele/ObsAllele. Pass nil to skip
// allele computation (e.g. when only depth/indel bookkeeping is needed).
func AlignedBases(r *sam.Record, refSeq []byte) ([]AlignedBase, error) {
	seq := ExpandSeq(r.Seq)
	quals := r.Qual
	refPos := PosType(r.Pos)
	readStart := refPos
	queryPos := 0
	var out []AlignedBase

	cigar := r.Cigar
	for ci, co := range cigar {
		n := PosType(co.Len())
		switch co.Type() {
		case sam.CigarMatch:
			for i := PosType(0); i < n; i++ {
				ab := AlignedBase{
					RefPos:      refPos + i,
					QueryPos:    queryPos + int(i),
					Base:        seq[queryPos+int(i)],
					Qual:        quals[queryPos+int(i)],
					ReadName:    r.Name,
					ReadStart:   readStart,
					QueryLength: len(seq),
				}
				if i == n-1 {
					ab.IndelLen = nextIndelLen(cigar, ci)
				}
				if refSeq != nil && int(ab.RefPos) < len(refSeq) {
					ab.RefAllele = string(refSeq[ab.RefPos])
					switch {
					case ab.IndelLen > 0:
						end := ab.QueryPos + 1 + ab.IndelLen
						if end <= len(seq) {
							ab.ObsAllele = string(seq[ab.QueryPos:end])
						}
					case ab.IndelLen < 0:
						delLen := -ab.IndelLen
						end := int(ab.RefPos) + 1 + delLen
						if end <= len(refSeq) {
							ab.RefAllele = string(refSeq[ab.RefPos:end])
						}
						ab.ObsAllele = string(ab.Base)
					default:
						ab.ObsAllele = string(ab.Base)
					}
				}
				out = append(out, ab)
			}
			refPos += n
			queryPos += int(n)
		case sam.CigarInsertion:
			queryPos += int(n)
		case sam.CigarDeletion:
			for i := PosType(0); i < n; i++ {
				out = append(out, AlignedBase{
					RefPos:      refPos + i,
					QueryPos:    -1,
					IsDel:       true,
					ReadName:    r.Name,
					ReadStart:   readStart,
					QueryLength: len(seq),
				})
			}
			refPos += n
		case sam.CigarSkipped:
			for i := PosType(0); i < n; i++ {
				out = append(out, AlignedBase{
					RefPos:      refPos + i,
					QueryPos:    -1,
					IsRefSkip:   true,
					ReadName:    r.Name,
					ReadStart:   readStart,
					QueryLength: len(seq),
				})
			}
			refPos += n
		case sam.CigarSoftClipped:
			queryPos += int(n)
		case sam.CigarHardClipped:
			// consumes neither ref nor query
		default:
			return nil, fmt.Errorf("pileup.AlignedBases: unexpected CIGAR op %v in read %s", co, r.Name)
		}
	}
	return out, nil
}

// nextIndelLen reports the signed length of the indel operation (if any)
// immediately following CIGAR op index i: positive for an insertion,
// negative for a deletion, 0 if the next operation is neither (or there is
// none).
func nextIndelLen(cigar sam.Cigar, i int) int {
	if i+1 >= len(cigar) {
		return 0
	}
	next := cigar[i+1]
	switch next.Type() {
	case sam.CigarInsertion:
		return int(next.Len())
	case sam.CigarDeletion:
		return -int(next.Len())
	default:
		return 0
	}
}

// Column is all reads' contributions to a single reference position,
// equivalent to one pysam PileupColumn.
type Column struct {
	Pos   PosType
	Bases []AlignedBase
}

// ColumnReaderOpts mirrors the options pysam's pileup() accepts that this
// package supports.
type ColumnReaderOpts struct {
	// MaxDepth caps the number of reads retained per column; once reached,
	// further reads contributing to that column are dropped without notice.
	// There is no truncate or stepper option.
	MaxDepth int
	// IgnoreOrphans drops reads whose mate is unmapped or on a different
	// reference (orphaned reads), matching pysam's ignore_orphans.
	IgnoreOrphans bool
}

// DefaultColumnReaderOpts matches pysam's defaults.
var DefaultColumnReaderOpts = ColumnReaderOpts{MaxDepth: 8000, IgnoreOrphans: true}

// BuildColumns consumes every AlignedBase contributed by reads and groups
// them into sorted Columns, one per distinct reference position. Reads must
// already be restricted to the region of interest (via the provider's
// shard/iterator); BuildColumns itself does no region filtering.
func BuildColumns(records []*sam.Record, refSeq []byte, opts ColumnReaderOpts) ([]Column, error) {
	byPos := map[PosType][]AlignedBase{}
	for _, r := range records {
		if opts.IgnoreOrphans && isOrphan(r) {
			continue
		}
		bases, err := AlignedBases(r, refSeq)
		if err != nil {
			return nil, err
		}
		for _, ab := range bases {
			if opts.MaxDepth > 0 && len(byPos[ab.RefPos]) >= opts.MaxDepth {
				continue
			}
			byPos[ab.RefPos] = append(byPos[ab.RefPos], ab)
		}
	}
	positions := make([]PosType, 0, len(byPos))
	for pos := range byPos {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	cols := make([]Column, len(positions))
	for i, pos := range positions {
		bases := byPos[pos]
		sort.Slice(bases, func(a, b int) bool { return bases[a].ReadName < bases[b].ReadName })
		cols[i] = Column{Pos: pos, Bases: bases}
	}
	return cols, nil
}

// isOrphan reports whether r is paired but its mate is unmapped or mapped to
// a different reference, pysam's ignore_orphans criterion.
func isOrphan(r *sam.Record) bool {
	if r.Flags&sam.Paired == 0 {
		return false
	}
	if r.Flags&sam.MateUnmapped != 0 {
		return true
	}
	return r.MateRef != nil && r.Ref != nil && r.MateRef.ID() != r.Ref.ID()
}
