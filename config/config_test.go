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
package config

import (
	"path/filepath"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	ctx := vcontext.Background()
	path := filepath.Join(dir, "debarcer.ini")
	w, err := file.Create(ctx, path)
	require.NoError(t, err)
	_, err = w.Writer(ctx).Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx))
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	path := writeConfig(t, tmpdir, `
[SETTINGS]
umi_family_pos_threshold = 20
umi_edit_distance_threshold = 1
percent_consensus_threshold = 70.0
count_consensus_threshold = 1
min_family_sizes = 1,2,3

[PATHS]
bam = /data/sample.bam
fasta = /data/ref.fa
out = /data/out

[REPORT]
percent_ref_threshold = 95
percent_alt_threshold = 2
filter_threshold = 10
`)
	cfg, err := Load(vcontext.Background(), path)
	assert.NoError(t, err)

	if cfg.UMIFamilyPosThreshold != 20 {
		t.Errorf("got pos threshold %d, want 20", cfg.UMIFamilyPosThreshold)
	}
	if cfg.UMIEditDistanceThreshold != 1 {
		t.Errorf("got edit distance threshold %d, want 1", cfg.UMIEditDistanceThreshold)
	}
	if len(cfg.MinFamilySizes) != 3 || cfg.MinFamilySizes[2] != 3 {
		t.Errorf("got min family sizes %v, want [1 2 3]", cfg.MinFamilySizes)
	}
	if cfg.BamPath != "/data/sample.bam" {
		t.Errorf("got bam path %q", cfg.BamPath)
	}
	if cfg.PercentRefThreshold != 95 {
		t.Errorf("got ref threshold %v, want 95", cfg.PercentRefThreshold)
	}
	if cfg.FilterThreshold != 10 {
		t.Errorf("got filter threshold %d, want 10", cfg.FilterThreshold)
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	path := writeConfig(t, tmpdir, "[SETTINGS]\nnot a valid line\n")
	_, err := Load(vcontext.Background(), path)
	if err == nil {
		t.Fatal("expected an error for a malformed config line")
	}
}

func TestMergeFlagsConfigWins(t *testing.T) {
	fromFile := Config{PercentRefThreshold: 95, BamPath: "/from/file.bam"}
	fromFlags := Config{PercentRefThreshold: 80, BamPath: "/from/flags.bam", PercentAltThreshold: 3}

	merged := fromFile.MergeFlags(fromFlags)
	if merged.PercentRefThreshold != 95 {
		t.Errorf("config file value should win, got %v", merged.PercentRefThreshold)
	}
	if merged.BamPath != "/from/file.bam" {
		t.Errorf("config file value should win, got %q", merged.BamPath)
	}
	if merged.PercentAltThreshold != 3 {
		t.Errorf("flag value should fill unset config field, got %v", merged.PercentAltThreshold)
	}
}
