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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/debarcer/interval"
)

// Entry is one UmiIndex record (§3 UmiIndex, §6 schema): the UMI's parent
// and its own (unmerged) positional histogram.
type Entry struct {
	Parent    string
	Positions map[interval.PosType]int
}

// Index is the on-disk, read-only-after-construction mapping from every
// observed UMI to its parent and positional histogram. It is the only
// structure the consensus engine borrows; it never mutates it.
type Index struct {
	Contig  string
	Entries map[string]*Entry
}

// FromGroups builds an Index from the adjacency Groups produced by
// BuildGroups.
func FromGroups(contig string, groups []*Group) *Index {
	idx := &Index{Contig: contig, Entries: map[string]*Entry{}}
	for _, g := range groups {
		members := append([]string{g.Parent}, g.Children...)
		for _, m := range members {
			idx.Entries[m] = &Entry{Parent: g.Parent, Positions: g.MemberPositions[m]}
		}
	}
	return idx
}

// FamiliesByParent reconstructs the §4.C family list for every parent in
// the index, by merging the positional histograms of all members sharing
// that parent and resolving families over the merged histogram. This is
// the idempotent operation the consensus engine relies on: because it
// depends only on the serialised Entries, re-deriving families from a
// freshly loaded Index produces the same result as deriving them at
// construction time.
func (idx *Index) FamiliesByParent(posThreshold interval.PosType, ignoreRemainders bool) map[string][]Family {
	merged := map[string]map[interval.PosType]int{}
	for _, e := range idx.Entries {
		m, ok := merged[e.Parent]
		if !ok {
			m = map[interval.PosType]int{}
			merged[e.Parent] = m
		}
		for pos, c := range e.Positions {
			m[pos] += c
		}
	}
	out := make(map[string][]Family, len(merged))
	for parent, positions := range merged {
		out[parent] = ResolveFamilies(parent, positions, posThreshold, ignoreRemainders)
	}
	return out
}

// --- wire format (§6 UmiIndex JSON schema) ---

type wireEntry struct {
	Parent    string         `json:"parent"`
	Positions map[string]int `json:"positions"`
}

func (idx *Index) toWire() map[string]wireEntry {
	wire := make(map[string]wireEntry, len(idx.Entries))
	for umi, e := range idx.Entries {
		positions := make(map[string]int, len(e.Positions))
		for pos, c := range e.Positions {
			positions[fmt.Sprintf("%s:%d", idx.Contig, pos)] = c
		}
		wire[umi] = wireEntry{Parent: e.Parent, Positions: positions}
	}
	return wire
}

func fromWire(contig string, wire map[string]wireEntry) (*Index, error) {
	idx := &Index{Contig: contig, Entries: make(map[string]*Entry, len(wire))}
	for umi, we := range wire {
		positions := make(map[interval.PosType]int, len(we.Positions))
		for key, c := range we.Positions {
			i := strings.LastIndexByte(key, ':')
			if i < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("umi.Index: malformed position key %q", key))
			}
			pos, err := strconv.Atoi(key[i+1:])
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("umi.Index: malformed position key %q", key), err)
			}
			positions[interval.PosType(pos)] = c
		}
		idx.Entries[umi] = &Entry{Parent: we.Parent, Positions: positions}
	}
	return idx, nil
}

// Marshal renders the index to its §6 JSON schema. Map iteration in
// encoding/json sorts object keys, so repeated calls on an unchanged Index
// are byte-identical (testable property 3).
func (idx *Index) Marshal() ([]byte, error) {
	return json.MarshalIndent(idx.toWire(), "", "  ")
}

// Checksum returns the seahash fingerprint of data, stored alongside the
// UmiIndex JSON (as "<path>.seahash") so a later load can detect silent
// corruption without needing to fully re-parse and re-validate the JSON.
func Checksum(data []byte) uint64 {
	return seahash.Sum64(data)
}

// Save writes the index to path (Umifiles/{region}.json) and a sibling
// "<path>.seahash" checksum file.
func Save(ctx context.Context, path string, idx *Index) error {
	data, err := idx.Marshal()
	if err != nil {
		return errors.E(errors.Other, "umi.Save: marshal", err)
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.Save: create %s", path), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("umi.Save: write %s", path), err)
	}
	if err := w.Close(ctx); err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.Save: close %s", path), err)
	}

	sum := Checksum(data)
	sw, err := file.Create(ctx, path+".seahash")
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.Save: create checksum for %s", path), err)
	}
	if _, err := fmt.Fprintf(sw.Writer(ctx), "%x\n", sum); err != nil {
		_ = sw.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("umi.Save: write checksum for %s", path), err)
	}
	return sw.Close(ctx)
}

// Load reads a previously-Saved index, verifying it against its sibling
// checksum file when present (EmptyArtifact / DataCorruption handling per
// §7: a mismatched checksum is reported as corruption; when the checksum
// file is missing or unreadable, verification is skipped).
func Load(ctx context.Context, path, contig string) (*Index, error) {
	r, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("umi.Load: open %s", path), err)
	}
	defer r.Close(ctx)

	data, err := readAll(ctx, r)
	if err != nil {
		return nil, errors.E(errors.Other, fmt.Sprintf("umi.Load: read %s", path), err)
	}
	if len(data) == 0 {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("umi.Load: %s is empty", path))
	}

	if sr, serr := file.Open(ctx, path+".seahash"); serr == nil {
		sumBytes, rerr := readAll(ctx, sr)
		_ = sr.Close(ctx)
		if rerr == nil {
			want := strings.TrimSpace(string(sumBytes))
			got := fmt.Sprintf("%x", Checksum(data))
			if want != got {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("umi.Load: %s failed checksum verification", path))
			}
		}
	}

	var wire map[string]wireEntry
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("umi.Load: malformed UmiIndex JSON %s", path), err)
	}
	return fromWire(contig, wire)
}

func readAll(ctx context.Context, r file.File) ([]byte, error) {
	return io.ReadAll(r.Reader(ctx))
}

// SortedUMIs returns the index's UMI keys in sorted order, useful for
// deterministic iteration (e.g. the UMI_relationships report).
func (idx *Index) SortedUMIs() []string {
	out := make([]string, 0, len(idx.Entries))
	for u := range idx.Entries {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
