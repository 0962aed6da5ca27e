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

// Package umi builds UMI adjacency graphs and positional families from
// observed reads, and serialises the result to a UmiIndex.
package umi

import (
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/debarcer/interval"
	"github.com/grailbio/hts/sam"
)

// Observation is a single occurrence of a UMI in aligned data: the UMI
// string, the read's leftmost reference position (0-based), and the read
// name it came from. Observations are never mutated after creation and are
// discarded once the adjacency graph and families have been built.
type Observation struct {
	UMI      string
	Pos      interval.PosType
	ReadName string
}

// ReadCounts tallies how many reads were scanned over a region, split by
// disposition; it feeds Stats/Mapped_read_counts_{region}.json.
type ReadCounts struct {
	Mapped       int
	Unmapped     int
	Secondary    int
	Supplementary int
	NoUMI        int
}

// UMIsFromName recovers the UMI tag(s) embedded in a read name: the suffix
// after the final ':', which may list multiple UMIs separated by ';' for
// multi-UMI library preps.
func UMIsFromName(name string) []string {
	idx := strings.LastIndexByte(name, ':')
	if idx < 0 || idx == len(name)-1 {
		return nil
	}
	return strings.Split(name[idx+1:], ";")
}

// Scan walks reads from it, one per aligned read overlapping the region, and
// returns one Observation per (read, UMI) pair together with read-count
// bookkeeping for the QC sidecar. it is exhausted by Scan; the caller is
// responsible for closing it.
func Scan(it interface {
	Scan() bool
	Record() *sam.Record
	Err() error
}) ([]Observation, ReadCounts, error) {
	var obs []Observation
	var counts ReadCounts
	for it.Scan() {
		r := it.Record()
		switch {
		case r.Flags&sam.Unmapped != 0:
			counts.Unmapped++
			continue
		case r.Flags&sam.Secondary != 0:
			counts.Secondary++
			continue
		case r.Flags&sam.Supplementary != 0:
			counts.Supplementary++
			continue
		}
		umis := UMIsFromName(r.Name)
		if len(umis) == 0 {
			counts.NoUMI++
			continue
		}
		counts.Mapped++
		pos := interval.PosType(r.Start())
		for _, u := range umis {
			if u == "" {
				continue
			}
			obs = append(obs, Observation{UMI: u, Pos: pos, ReadName: r.Name})
		}
	}
	if err := it.Err(); err != nil {
		return nil, counts, err
	}
	log.Debug.Printf("umi.Scan: %d observations, %+v", len(obs), counts)
	return obs, counts, nil
}
