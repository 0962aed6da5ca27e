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
	"encoding/binary"
	"sort"

	"github.com/grailbio/debarcer/umi"
	"github.com/minio/highwayhash"
)

// EngineOpts configures the collapsed consensus engine (§4.D).
type EngineOpts struct {
	PosThreshold          PosType // P
	ConsensusThresholdPct float64 // percent_consensus_threshold
	CountThreshold        int     // count_consensus_threshold
	IgnoreGroupRemainders bool
}

// familyKey identifies one UMI family's vote bucket at a column:
// (parent UMI, anchor position). highwayhash.Sum gives a fixed-size,
// collision-resistant key suitable for a plain Go map.
type familyKey = [highwayhash.Size]uint8

var zeroHashSeed = familyKey{}

func hashFamily(parent string, anchor PosType) familyKey {
	buf := make([]byte, 0, len(parent)+8)
	buf = append(buf, parent...)
	var posBuf [8]byte
	binary.LittleEndian.PutUint64(posBuf[:], uint64(anchor))
	buf = append(buf, posBuf[:]...)
	return highwayhash.Sum(buf, zeroHashSeed[:])
}

// ComputeUncollapsed produces the raw (family_size=0) consensus view (§4.D
// uncollapsed): every non-filtered read's allele contributes directly, with
// no family collapsing and no family-size statistics.
func ComputeUncollapsed(contig string, cols []Column) []PositionConsensus {
	out := make([]PositionConsensus, 0, len(cols))
	for _, col := range cols {
		var pc PositionConsensus
		pc.Contig = contig
		pc.Pos = col.Pos
		pc.FamilySize = 0
		for _, ab := range col.Bases {
			if ab.IsDel || ab.IsRefSkip || ab.ObsAllele == "" {
				continue
			}
			if pc.Ref == 0 && len(ab.RefAllele) > 0 {
				pc.Ref = ab.RefAllele[0]
			}
			pc.Counts[AlleleFromObservation(ab.RefAllele, ab.ObsAllele)]++
			pc.RawDepth++
		}
		pc.ConsDepth = pc.RawDepth
		out = append(out, pc)
	}
	return out
}

// familyVote is the per-family accumulator for one column: allele counts
// plus the observed family size (for the min/mean family-size statistics).
type familyVote struct {
	parent     string
	anchor     PosType
	familySize int
	counts     map[string]int // (ref+"\x00"+obs) -> count
	total      int
}

// ComputeCollapsed produces the collapsed consensus view at one family-size
// threshold f (§4.D steps 1-4). idx is the region's UmiIndex; families is
// the pre-resolved per-parent family list (umi.Index.FamiliesByParent),
// shared across every f in the run.
func ComputeCollapsed(contig string, cols []Column, idx *umi.Index, families map[string][]umi.Family, f int, opts EngineOpts) []PositionConsensus {
	out := make([]PositionConsensus, 0, len(cols))
	for _, col := range cols {
		votes := map[familyKey]*familyVote{}
		var rawDepth int
		for _, ab := range col.Bases {
			if ab.IsDel || ab.IsRefSkip || ab.ObsAllele == "" {
				continue
			}
			// A read name can carry more than one semicolon-separated UMI tag
			// (§4.D.1.b); each tag is looked up and voted independently, since
			// BuildGroups does not guarantee they land in the same family.
			for _, u := range umi.UMIsFromName(ab.ReadName) {
				entry, ok := idx.Entries[u]
				if !ok {
					continue
				}
				fam, ok := umi.ClosestFamily(families[entry.Parent], ab.ReadStart)
				if !ok {
					continue
				}
				d := fam.Position - ab.ReadStart
				if d < 0 {
					d = -d
				}
				if d > opts.PosThreshold {
					continue
				}
				if fam.Count < f {
					continue
				}
				rawDepth++
				key := hashFamily(fam.Parent, fam.Position)
				v, ok := votes[key]
				if !ok {
					v = &familyVote{parent: fam.Parent, anchor: fam.Position, familySize: fam.Count, counts: map[string]int{}}
					votes[key] = v
				}
				v.counts[ab.RefAllele+"\x00"+ab.ObsAllele]++
				v.total++
			}
		}

		var pc PositionConsensus
		pc.Contig = contig
		pc.Pos = col.Pos
		pc.FamilySize = f
		pc.RawDepth = rawDepth

		var sizeSum, minSize int
		first := true
		for _, v := range votes {
			refAllele, obsAllele, winCount, ok := winningAllele(v.counts, v.total, opts)
			if !ok {
				continue
			}
			if pc.Ref == 0 && len(refAllele) > 0 {
				pc.Ref = refAllele[0]
			}
			pc.Counts[AlleleFromObservation(refAllele, obsAllele)]++
			pc.ConsDepth++
			_ = winCount
			if first || v.familySize < minSize {
				minSize = v.familySize
				first = false
			}
			sizeSum += v.familySize
		}
		if pc.ConsDepth > 0 {
			pc.MinFamily = minSize
			pc.MeanFamily = float64(sizeSum) / float64(pc.ConsDepth)
		}
		out = append(out, pc)
	}
	return out
}

// winningAllele performs the per-family vote (§4.D step 2): the highest
// count allele wins, ties broken by allele-string ordering, and the vote is
// accepted only if its frequency and raw count both clear the consensus
// thresholds.
func winningAllele(counts map[string]int, total int, opts EngineOpts) (refAllele, obsAllele string, count int, ok bool) {
	type entry struct {
		ref, obs string
		count    int
	}
	entries := make([]entry, 0, len(counts))
	for k, c := range counts {
		i := indexOfNul(k)
		entries = append(entries, entry{ref: k[:i], obs: k[i+1:], count: c})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].obs < entries[j].obs
	})
	if len(entries) == 0 {
		return "", "", 0, false
	}
	best := entries[0]
	if total == 0 {
		return "", "", 0, false
	}
	freq := float64(best.count) / float64(total) * 100
	if freq < opts.ConsensusThresholdPct || best.count < opts.CountThreshold {
		return "", "", 0, false
	}
	return best.ref, best.obs, best.count, true
}

func indexOfNul(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return len(s)
}
