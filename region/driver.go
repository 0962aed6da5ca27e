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
package region

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	gbam "github.com/grailbio/debarcer/encoding/bam"
	"github.com/grailbio/debarcer/encoding/bamprovider"
	"github.com/grailbio/debarcer/pileup"
	"github.com/grailbio/debarcer/umi"
	"github.com/grailbio/debarcer/vcf"
	"github.com/grailbio/hts/sam"
)

// Params bundles the per-run thresholds (§6 config keys) the driver applies
// uniformly across every region.
type Params struct {
	PosThreshold          pileup.PosType // umi_family_pos_threshold (P)
	EditDistanceThreshold int            // umi_edit_distance_threshold (D)
	ConsensusThresholdPct float64        // percent_consensus_threshold
	CountThreshold        int            // count_consensus_threshold
	RefThreshold          float64        // percent_ref_threshold
	AltThreshold          float64        // percent_alt_threshold
	FilterThreshold       int            // filter_threshold
	MinFamilySizes        []int          // min_family_sizes (0 implicit, handled separately)
	IgnoreGroupRemainders bool

	OutDir       string
	BamPath      string
	BamIndexPath string
	FastaPath    string
	Source       string // not passed to vcf.Write, which always writes ##source=debarcer
	FileDate     string // caller-supplied YYYYMMDD; the core never calls time.Now (§5 determinism)
}

// Run drives every region in regions through 4.A-4.F (§4.G): build the UMI
// adjacency groups and families, compute uncollapsed and collapsed
// consensus, write the consensus table and QC sidecars, and (if VCF
// thresholds apply) emit variant records for each configured family size.
// A failure on one region is logged and does not abort the others (§7
// propagation policy); Run itself fails only if every region failed.
func Run(ctx context.Context, regions []Region, p Params) error {
	provider := bamprovider.NewProvider(p.BamPath, bamprovider.ProviderOpts{Index: p.BamIndexPath})
	defer func() { _ = provider.Close() }()
	return RunWithProvider(ctx, regions, p, provider)
}

// RunWithProvider is Run with the bamprovider.Provider injected by the
// caller, rather than opened from p.BamPath. Tests use this to drive the
// full region pipeline against a bamprovider.NewFakeProvider in place of a
// real BAM file.
func RunWithProvider(ctx context.Context, regions []Region, p Params, provider bamprovider.Provider) error {
	header, err := provider.GetHeader()
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("region.Run: read header of %s", p.BamPath), err)
	}
	refSeqs, err := pileup.LoadFa(ctx, p.FastaPath, 250000000, header.Refs())
	if err != nil {
		return errors.E(errors.Invalid, fmt.Sprintf("region.Run: load reference %s", p.FastaPath), err)
	}
	refByName := map[string]*sam.Reference{}
	refSeqByName := map[string][]byte{}
	for i, ref := range header.Refs() {
		refByName[ref.Name()] = ref
		refSeqByName[ref.Name()] = refSeqs[i]
	}

	fragPaths := make([]string, len(regions))
	var failures int64
	err = traverse.Each(len(regions), func(i int) error {
		r := regions[i]
		log.Debug.Printf("region %s: starting", r)
		layout := NewLayout(p.OutDir, r)
		if procErr := processRegion(ctx, provider, refByName, refSeqByName, r, layout, p); procErr != nil {
			log.Error.Printf("region %s: %v", r, procErr)
			atomic.AddInt64(&failures, 1)
			return nil
		}
		fragPaths[i] = layout.CoverageFragment
		log.Debug.Printf("region %s: done", r)
		return nil
	})
	if err != nil {
		return err
	}
	if len(regions) > 0 && int(failures) == len(regions) {
		return errors.E(errors.Other, "region.Run: every region failed")
	}

	var present []string
	for _, f := range fragPaths {
		if f != "" {
			present = append(present, f)
		}
	}
	if mergeErr := pileup.MergeCoverageStats(ctx, joinPath(p.OutDir, "Stats", "CoverageStats.yml"), present); mergeErr != nil {
		return mergeErr
	}
	return nil
}

// processRegion implements 4.A-4.F for a single region.
func processRegion(ctx context.Context, provider bamprovider.Provider, refByName map[string]*sam.Reference, refSeqByName map[string][]byte, r Region, layout Layout, p Params) error {
	ref, ok := refByName[r.Contig]
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("processRegion: contig %q not found in BAM header", r.Contig))
	}
	refSeq := refSeqByName[r.Contig]
	shard := gbam.Shard{StartRef: ref, EndRef: ref, Start: int(r.Start0), End: int(r.End)}

	obs, records, counts, err := scanRegion(provider, shard)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("processRegion %s: scan", r), err)
	}
	if err := umi.WriteMappedReadCounts(ctx, layout.MappedReadCounts, counts); err != nil {
		return err
	}
	if err := umi.WriteUmisBeforeGrouping(ctx, layout.UmisBeforeGrouping, obs); err != nil {
		return err
	}
	if len(obs) == 0 {
		log.Debug.Printf("processRegion %s: no UMI-tagged reads, skipping (EmptyArtifact)", r)
		return nil
	}

	groups, err := umi.BuildGroups(obs, p.EditDistanceThreshold)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("processRegion %s: BuildGroups", r), err)
	}
	if err := umi.WriteRelationships(ctx, layout.Relationships, groups); err != nil {
		return err
	}
	if err := umi.WriteDatafile(ctx, layout.Datafile, r.Contig, int(r.Start0)+1, int(r.End), groups); err != nil {
		return err
	}

	idx := umi.FromGroups(r.Contig, groups)
	if err := umi.Save(ctx, layout.UmiIndex, idx); err != nil {
		return err
	}
	families := idx.FamiliesByParent(p.PosThreshold, p.IgnoreGroupRemainders)

	cols, err := pileup.BuildColumns(records, refSeq, pileup.DefaultColumnReaderOpts)
	if err != nil {
		return errors.E(errors.Other, fmt.Sprintf("processRegion %s: BuildColumns", r), err)
	}

	var allRows []pileup.ConsensusRow
	byFamilySize := map[int][]pileup.ConsensusRow{}
	for _, pc := range pileup.ComputeUncollapsed(r.Contig, cols) {
		row := pc.ToRow()
		allRows = append(allRows, row)
		byFamilySize[0] = append(byFamilySize[0], row)
	}

	engineOpts := pileup.EngineOpts{
		PosThreshold:          p.PosThreshold,
		ConsensusThresholdPct: p.ConsensusThresholdPct,
		CountThreshold:        p.CountThreshold,
		IgnoreGroupRemainders: p.IgnoreGroupRemainders,
	}
	fSizes := append([]int{0}, p.MinFamilySizes...)
	sort.Ints(fSizes)
	for _, f := range fSizes {
		if f == 0 {
			continue
		}
		pcs := pileup.ComputeCollapsed(r.Contig, cols, idx, families, f, engineOpts)
		for _, pc := range pcs {
			row := pc.ToRow()
			allRows = append(allRows, row)
			byFamilySize[f] = append(byFamilySize[f], row)
		}
	}

	if err := pileup.WriteConsensusTable(ctx, layout.ConsensusTable, allRows); err != nil {
		return err
	}
	if err := pileup.WriteConsensusTableCompressed(ctx, layout.ConsensusTable, allRows); err != nil {
		return err
	}
	if err := pileup.WriteCoverageFragment(ctx, layout.CoverageFragment, r.String(), meanCoverage(allRows)); err != nil {
		return err
	}

	if p.RefThreshold > 0 || p.AltThreshold > 0 {
		th := vcf.Thresholds{RefThreshold: p.RefThreshold, AltThreshold: p.AltThreshold, FilterThreshold: p.FilterThreshold}
		for _, f := range fSizes {
			recs := vcf.BuildRecords(byFamilySize[f], th)
			if len(recs) == 0 {
				continue
			}
			if err := vcf.Write(ctx, layout.VCFPath(p.OutDir, r, f), recs, p.FastaPath, p.FileDate, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanRegion reads every record whose alignment start lies in shard once
// (a read that starts before shard.Start is not returned, even when it
// extends into the shard), returning both the
// UMI observations (4.B input) and the raw records (4.D/4.E pileup input) so
// the BAM is only walked a single time per region.
func scanRegion(provider bamprovider.Provider, shard gbam.Shard) ([]umi.Observation, []*sam.Record, umi.ReadCounts, error) {
	iter := provider.NewIterator(shard)
	defer iter.Close() // nolint: errcheck

	var records []*sam.Record
	var obs []umi.Observation
	var counts umi.ReadCounts
	for iter.Scan() {
		r := iter.Record()
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
		records = append(records, r)
		umis := umi.UMIsFromName(r.Name)
		if len(umis) == 0 {
			counts.NoUMI++
			continue
		}
		counts.Mapped++
		pos := pileup.PosType(r.Start())
		for _, u := range umis {
			if u == "" {
				continue
			}
			obs = append(obs, umi.Observation{UMI: u, Pos: pos, ReadName: r.Name})
		}
	}
	if err := iter.Err(); err != nil {
		return nil, nil, counts, err
	}
	return obs, records, counts, nil
}

func meanCoverage(rows []pileup.ConsensusRow) float64 {
	var sum int
	var n int
	for _, r := range rows {
		if r.FamilySize != 0 {
			continue
		}
		sum += r.RawDepth
		n++
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}
