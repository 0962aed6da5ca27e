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
	"fmt"
	"sort"

	"github.com/antzucaro/matchr"
	"github.com/biogo/store/llrb"
	"github.com/dgryski/go-farm"
	"github.com/grailbio/debarcer/circular"
	"github.com/grailbio/debarcer/interval"
	"github.com/grailbio/debarcer/util"
)

// tally is the per-UMI count and positional histogram accumulated while
// scanning a region's Observations (§4.B step 1).
type tally struct {
	count     int
	positions map[interval.PosType]int
}

// Group is the set of UMI strings connected via Hamming-distance adjacency
// (§4.B): one parent, its children, and the per-member positional
// histograms merged together (consumed by the positional family resolver).
type Group struct {
	Parent    string
	Children  []string
	Positions map[interval.PosType]int
	counts    map[string]int
	// MemberPositions holds each member UMI's own (unmerged) positional
	// histogram, as recorded in the UmiIndex (§6 schema).
	MemberPositions map[string]map[interval.PosType]int
}

// umiString implements llrb.Comparable so that bucket membership can be
// iterated in deterministic (sorted) order.
type umiString string

func (a umiString) Compare(b llrb.Comparable) int {
	bs := b.(umiString)
	switch {
	case a < bs:
		return -1
	case a > bs:
		return 1
	default:
		return 0
	}
}

// BuildGroups tallies observations and partitions the observed UMIs into
// adjacency Groups under a Hamming-distance threshold D (§4.B). UMIs with
// length differing from the majority are grouped on their own (Hamming
// distance is undefined across unequal lengths); this mirrors the source's
// assumption of a fixed-length UMI per run.
func BuildGroups(obs []Observation, distanceThreshold int) ([]*Group, error) {
	tallies := map[string]*tally{}
	for _, o := range obs {
		t, ok := tallies[o.UMI]
		if !ok {
			t = &tally{positions: map[interval.PosType]int{}}
			tallies[o.UMI] = t
		}
		t.count++
		t.positions[o.Pos]++
	}

	umis := make([]string, 0, len(tallies))
	for u := range tallies {
		umis = append(umis, u)
	}
	sort.Strings(umis)

	uf := newUnionFind(umis)
	if err := linkAdjacent(umis, distanceThreshold, uf); err != nil {
		return nil, err
	}

	byRoot := map[string][]string{}
	for _, u := range umis {
		root := uf.find(u)
		byRoot[root] = append(byRoot[root], u)
	}

	groups := make([]*Group, 0, len(byRoot))
	for _, members := range byRoot {
		groups = append(groups, newGroup(members, tallies))
	}
	// Deterministic ordering: by parent UMI string.
	sort.Slice(groups, func(i, j int) bool { return groups[i].Parent < groups[j].Parent })
	return groups, nil
}

// newGroup elects the parent (highest count, ties broken by lexicographically
// smallest UMI string — §4.B step 4) and merges the positional histograms of
// all members.
func newGroup(members []string, tallies map[string]*tally) *Group {
	sort.Strings(members)
	parent := members[0]
	parentCount := tallies[parent].count
	for _, m := range members[1:] {
		c := tallies[m].count
		if c > parentCount {
			parent = m
			parentCount = c
		}
	}
	positions := map[interval.PosType]int{}
	counts := map[string]int{}
	memberPositions := map[string]map[interval.PosType]int{}
	var children []string
	for _, m := range members {
		if m != parent {
			children = append(children, m)
		}
		counts[m] = tallies[m].count
		memberPositions[m] = tallies[m].positions
		for pos, c := range tallies[m].positions {
			positions[pos] += c
		}
	}
	return &Group{Parent: parent, Children: children, Positions: positions, counts: counts, MemberPositions: memberPositions}
}

// Count returns the global observation count of member UMI u within the
// group (0 if u is not a member).
func (g *Group) Count(u string) int { return g.counts[u] }

// --- adjacency construction ---

// linkAdjacent unions every pair of UMIs whose Hamming distance is at most
// threshold. To avoid the O(n²) cost of a full adjacency matrix on large
// regions (UMI counts can exceed 10⁶, §9), UMIs are split into
// threshold+1 contiguous blocks and bucketed by (block index, block
// content); by the pigeonhole principle, any pair within the distance
// threshold must match exactly in at least one block, so Hamming distance
// is only computed between members sharing a bucket.
func linkAdjacent(umis []string, threshold int, uf *unionFind) error {
	if len(umis) == 0 {
		return nil
	}
	lengthCounts := map[int]int{}
	for _, u := range umis {
		lengthCounts[len(u)]++
	}
	n := 0
	best := -1
	for length, c := range lengthCounts {
		if c > best || (c == best && length < n) {
			n, best = length, c
		}
	}

	var irregular []string
	for _, u := range umis {
		if len(u) != n {
			irregular = append(irregular, u)
		}
	}
	if err := linkIrregular(irregular, threshold, uf); err != nil {
		return err
	}

	nBlocks := threshold + 1
	if nBlocks < 1 {
		nBlocks = 1
	}
	blockLen := (n + nBlocks - 1) / nBlocks

	// Bucket table sized to the next power of two at or above the number of
	// (UMI, block) entries, per the large-graph design note.
	tableSize := circular.NextExp2(len(umis) * nBlocks)
	if tableSize < 16 {
		tableSize = 16
	}
	buckets := make(map[uint64]*llrb.Tree, tableSize)

	for _, u := range umis {
		if len(u) != n {
			continue
		}
		for b := 0; b < nBlocks; b++ {
			start := b * blockLen
			if start >= n {
				break
			}
			end := start + blockLen
			if end > n {
				end = n
			}
			key := bucketKey(b, u[start:end])
			tree, ok := buckets[key]
			if !ok {
				tree = &llrb.Tree{}
				buckets[key] = tree
			}
			tree.Insert(umiString(u))
		}
	}

	for _, tree := range buckets {
		members := make([]string, 0, tree.Count)
		tree.Do(func(c llrb.Comparable) (done bool) {
			members = append(members, string(c.(umiString)))
			return false
		})
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if uf.find(members[i]) == uf.find(members[j]) {
					continue
				}
				d, err := matchr.Hamming(members[i], members[j])
				if err != nil {
					return fmt.Errorf("umi.linkAdjacent: %s vs %s: %w", members[i], members[j], err)
				}
				if d <= threshold {
					uf.union(members[i], members[j])
				}
			}
		}
	}
	return nil
}

// bucketKey hashes a (block index, block content) pair with farm for bucket
// placement.
func bucketKey(block int, s string) uint64 {
	return farm.Hash64WithSeed([]byte(s), uint64(block))
}

// linkIrregular handles UMIs whose length differs from the run's majority
// length, for which Hamming distance is undefined. Members are grouped by
// their own exact length (Levenshtein requires equal-length inputs) and
// compared with the teacher's edit-distance function, which tolerates
// indel noise that a pure Hamming comparison cannot. Members whose length
// has no other match of the same length stay singleton.
func linkIrregular(umis []string, threshold int, uf *unionFind) error {
	byLength := map[int][]string{}
	for _, u := range umis {
		byLength[len(u)] = append(byLength[len(u)], u)
	}
	for _, members := range byLength {
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if uf.find(members[i]) == uf.find(members[j]) {
					continue
				}
				if util.Levenshtein(members[i], members[j], "", "") <= threshold {
					uf.union(members[i], members[j])
				}
			}
		}
	}
	return nil
}

// --- union-find ---

type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind(items []string) *unionFind {
	uf := &unionFind{parent: make(map[string]string, len(items)), rank: make(map[string]int, len(items))}
	for _, it := range items {
		uf.parent[it] = it
	}
	return uf
}

func (uf *unionFind) find(x string) string {
	root := x
	for uf.parent[root] != root {
		root = uf.parent[root]
	}
	for uf.parent[x] != root {
		uf.parent[x], x = root, uf.parent[x]
	}
	return root
}

func (uf *unionFind) union(a, b string) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}
