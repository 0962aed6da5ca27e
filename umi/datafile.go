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
	"encoding/csv"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// WriteDatafile emits the Datafiles/datafile_{region}.csv summary (§6):
// one row per region giving total parent/children counts and the
// distribution of children-per-parent across the region's groups.
// contig, start, end follow the 1-based inclusive region convention used
// for on-disk filenames.
func WriteDatafile(ctx context.Context, path, contig string, start, end int, groups []*Group) error {
	w, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("umi.WriteDatafile: create %s", path), err)
	}
	cw := csv.NewWriter(w.Writer(ctx))
	cw.Comma = '\t'

	if err := cw.Write([]string{"CHR", "START", "END", "PTU", "CTU", "CHILD_NUMS", "FREQ_PARENTS"}); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, "umi.WriteDatafile: write header", err)
	}

	sorted := make([]*Group, len(groups))
	copy(sorted, groups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Parent < sorted[j].Parent })

	ptu := len(sorted)
	ctu := 0
	childNums := make([]string, 0, len(sorted))
	childCountFreq := map[int]int{}
	for _, g := range sorted {
		n := len(g.Children)
		ctu += n
		childNums = append(childNums, fmt.Sprintf("%d", n))
		childCountFreq[n]++
	}

	distinctCounts := make([]int, 0, len(childCountFreq))
	for n := range childCountFreq {
		distinctCounts = append(distinctCounts, n)
	}
	sort.Ints(distinctCounts)
	freqParents := make([]string, 0, len(distinctCounts))
	for _, n := range distinctCounts {
		freqParents = append(freqParents, fmt.Sprintf("%d:%d", n, childCountFreq[n]))
	}

	row := []string{
		contig,
		fmt.Sprintf("%d", start),
		fmt.Sprintf("%d", end),
		fmt.Sprintf("%d", ptu),
		fmt.Sprintf("%d", ctu),
		joinPipe(childNums),
		joinPipe(freqParents),
	}
	if err := cw.Write(row); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, "umi.WriteDatafile: write row", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = w.Close(ctx)
		return errors.E(errors.Other, "umi.WriteDatafile: flush", err)
	}
	return w.Close(ctx)
}

func joinPipe(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}
