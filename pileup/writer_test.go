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
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/snappy"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestWriteConsensusTableOrdersRows(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	rows := []ConsensusRow{
		{Chrom: "chr1", Pos: 20, Ref: 'A', FamilySize: 1},
		{Chrom: "chr1", Pos: 10, Ref: 'A', FamilySize: 2},
		{Chrom: "chr1", Pos: 10, Ref: 'A', FamilySize: 0},
	}
	path := filepath.Join(tmpdir, "chr1.cons")
	assert.NoError(t, WriteConsensusTable(ctx, path, rows))

	r, err := file.Open(ctx, path)
	assert.NoError(t, err)
	defer r.Close(ctx)
	data, err := readAllFile(ctx, r)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4 (header + 3 rows): %q", len(lines), data)
	}
	if lines[0] != "CHROM\tPOS\tREF\tA\tC\tG\tT\tI\tD\tN\tRAWDP\tCONSDP\tFAM\tREF_FREQ\tMEAN_FAM" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	wantOrder := []string{"10\t", "10\t", "20\t"}
	for i, want := range wantOrder {
		fields := strings.SplitN(lines[i+1], "\t", 3)
		if fields[1]+"\t" != want {
			t.Errorf("row %d: got pos %s, want %s", i, fields[1], want)
		}
	}
}

func TestWriteConsensusTableCompressedRoundTrips(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	rows := []ConsensusRow{{Chrom: "chr1", Pos: 10, Ref: 'A', FamilySize: 0}}
	path := filepath.Join(tmpdir, "chr1.cons")
	assert.NoError(t, WriteConsensusTable(ctx, path, rows))
	assert.NoError(t, WriteConsensusTableCompressed(ctx, path, rows))

	plain, err := file.Open(ctx, path)
	assert.NoError(t, err)
	defer plain.Close(ctx)
	plainData, err := readAllFile(ctx, plain)
	assert.NoError(t, err)

	compressed, err := file.Open(ctx, path+".sz")
	assert.NoError(t, err)
	defer compressed.Close(ctx)
	compressedData, err := readAllFile(ctx, compressed)
	assert.NoError(t, err)

	decoded, err := snappy.Decode(nil, compressedData)
	assert.NoError(t, err)
	if string(decoded) != string(plainData) {
		t.Errorf("decoded .sz content does not match the plain table:\ngot:  %q\nwant: %q", decoded, plainData)
	}
}

func TestMergeCoverageStats(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	f1 := filepath.Join(tmpdir, "chr1.yml")
	f2 := filepath.Join(tmpdir, "chr2.yml")
	assert.NoError(t, WriteCoverageFragment(ctx, f1, "chr1:1-100", 12.345))
	assert.NoError(t, WriteCoverageFragment(ctx, f2, "chr2:1-200", 5.0))

	out := filepath.Join(tmpdir, "CoverageStats.yml")
	assert.NoError(t, MergeCoverageStats(ctx, out, []string{f1, f2}))

	r, err := file.Open(ctx, out)
	assert.NoError(t, err)
	defer r.Close(ctx)
	data, err := readAllFile(ctx, r)
	assert.NoError(t, err)
	if !strings.Contains(string(data), "chr1:1-100: 12.35") && !strings.Contains(string(data), "chr1:1-100: 12.34") {
		t.Errorf("missing rounded chr1 coverage entry: %s", data)
	}
	if !strings.Contains(string(data), "chr2:1-200: 5") {
		t.Errorf("missing chr2 coverage entry: %s", data)
	}
}
