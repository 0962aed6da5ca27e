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
package umi

import (
	"sort"

	"github.com/grailbio/debarcer/interval"
)

// Family is the unit of collapsing (§3 UmiFamily): a parent UMI, a
// representative read-start position, and the observed read count
// absorbed into it.
type Family struct {
	Parent   string
	Position interval.PosType
	Count    int
}

// ResolveFamilies splits a group's merged positional histogram into
// families (§4.C): repeatedly extracts the position with the highest
// remaining count as a family anchor and absorbs every other position
// within posThreshold of it, until no positions remain. Ties (equal
// counts) are broken by the smaller position, matching the deterministic
// tie-break required for byte-identical output across runs.
//
// When ignoreRemainders is set, only the first (most abundant) family is
// kept and the rest of the group's positions are discarded (§4.C
// "ignore_group_remainders" mode).
func ResolveFamilies(parent string, positions map[interval.PosType]int, posThreshold interval.PosType, ignoreRemainders bool) []Family {
	remaining := make(map[interval.PosType]int, len(positions))
	for pos, c := range positions {
		remaining[pos] = c
	}

	var families []Family
	for len(remaining) > 0 {
		anchor, anchorCount := pickAnchor(remaining)
		delete(remaining, anchor)
		absorbed := anchorCount
		for pos, c := range remaining {
			d := pos - anchor
			if d < 0 {
				d = -d
			}
			if d <= posThreshold {
				absorbed += c
				delete(remaining, pos)
			}
		}
		families = append(families, Family{Parent: parent, Position: anchor, Count: absorbed})
		if ignoreRemainders {
			break
		}
	}
	sort.Slice(families, func(i, j int) bool { return families[i].Position < families[j].Position })
	return families
}

// pickAnchor returns the position with the highest count in remaining,
// breaking ties by the smaller position (§4.C step 2 tie-break).
func pickAnchor(remaining map[interval.PosType]int) (interval.PosType, int) {
	var anchor interval.PosType
	best := -1
	first := true
	for pos, c := range remaining {
		if first || c > best || (c == best && pos < anchor) {
			anchor, best, first = pos, c, false
		}
	}
	return anchor, best
}

// ClosestFamily picks the family whose anchor position is closest to
// readStart (§4.D.1.c), breaking ties by the highest count. It returns
// false if families is empty.
func ClosestFamily(families []Family, readStart interval.PosType) (Family, bool) {
	if len(families) == 0 {
		return Family{}, false
	}
	best := families[0]
	bestDist := dist(best.Position, readStart)
	for _, f := range families[1:] {
		d := dist(f.Position, readStart)
		if d < bestDist || (d == bestDist && f.Count > best.Count) {
			best, bestDist = f, d
		}
	}
	return best, true
}

func dist(a, b interval.PosType) interval.PosType {
	if a < b {
		return b - a
	}
	return a - b
}
