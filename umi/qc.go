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
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// WriteRelationships emits Stats/UMI_relationships_{region}.txt: for each
// group, one line with the parent and its observation count, followed by one
// tab-indented line per child UMI with its own count and Hamming distance to
// the parent (-1 when the lengths differ). This is a
// supplemented QC artifact (not part of the on-disk contract read back by
// later pipeline stages) that lets a human audit how aggressively a
// distance threshold collapsed a region's UMIs.
func WriteRelationships(ctx context.Context, path string, groups []*Group) error {
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteRelationships: create %s", path), err)
	}
	out := w.Writer(ctx)

	sorted := make([]*Group, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Parent < sorted[j].Parent })

	for _, g := range sorted {
		if _, err := fmt.Fprintf(out, "%s\t%d\n", g.Parent, g.Count(g.Parent)); err != nil {
			_ = w.Close(ctx)
			return errors.E(errors.Other, "umi.WriteRelationships: write parent line", err)
		}
		children := append([]string(nil), g.Children...)
		sort.Strings(children)
		for _, c := range children {
			d, derr := hammingSafe(g.Parent, c)
			if derr != nil {
				_ = w.Close(ctx)
				return errors.E(errors.Other, "umi.WriteRelationships: hamming distance", derr)
			}
			if _, err := fmt.Fprintf(out, "\t%s\t%d\t%d\n", c, g.Count(c), d); err != nil {
				_ = w.Close(ctx)
				return errors.E(errors.Other, "umi.WriteRelationships: write child line", err)
			}
		}
	}
	return w.Close(ctx)
}

func hammingSafe(a, b string) (int, error) {
	if len(a) != len(b) {
		return -1, nil
	}
	d := 0
	for i := range a {
		if a[i] != b[i] {
			d++
		}
	}
	return d, nil
}

// WriteUmisBeforeGrouping serialises the raw per-UMI tallies observed in a
// region, prior to adjacency collapsing, to
// Stats/Umis_{region}_before_grouping.json. This lets a user compare the
// pre- and post-grouping UMI populations directly.
func WriteUmisBeforeGrouping(ctx context.Context, path string, obs []Observation) error {
	counts := map[string]int{}
	for _, o := range obs {
		counts[o.UMI]++
	}
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return errors.E(errors.Other, "umi.WriteUmisBeforeGrouping: marshal", err)
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteUmisBeforeGrouping: create %s", path), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteUmisBeforeGrouping: write %s", path), err)
	}
	return w.Close(ctx)
}

// WriteMappedReadCounts serialises ReadCounts to
// Stats/Mapped_read_counts_{region}.json.
func WriteMappedReadCounts(ctx context.Context, path string, counts ReadCounts) error {
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return errors.E(errors.Other, "umi.WriteMappedReadCounts: marshal", err)
	}
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteMappedReadCounts: create %s", path), err)
	}
	if _, err := w.Writer(ctx).Write(data); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteMappedReadCounts: write %s", path), err)
	}
	return w.Close(ctx)
}
