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
	"bytes"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/debarcer/interval"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func testGroups() []*Group {
	return []*Group{
		{
			Parent:   "AAAAAA",
			Children: []string{"AAAAAT"},
			MemberPositions: map[string]map[interval.PosType]int{
				"AAAAAA": {100: 5},
				"AAAAAT": {100: 2},
			},
			counts: map[string]int{"AAAAAA": 5, "AAAAAT": 2},
		},
	}
}

func TestIndexMarshalIsDeterministic(t *testing.T) {
	idx := FromGroups("chr1", testGroups())
	a, err := idx.Marshal()
	assert.NoError(t, err)
	b, err := idx.Marshal()
	assert.NoError(t, err)
	if !bytes.Equal(a, b) {
		t.Errorf("Marshal is not idempotent:\n%s\nvs\n%s", a, b)
	}
}

func TestIndexSaveLoadRoundTrip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	idx := FromGroups("chr1", testGroups())
	path := filepath.Join(tmpdir, "chr1.json")
	assert.NoError(t, Save(ctx, path, idx))

	loaded, err := Load(ctx, path, "chr1")
	assert.NoError(t, err)

	if len(loaded.Entries) != len(idx.Entries) {
		t.Fatalf("got %d entries, want %d", len(loaded.Entries), len(idx.Entries))
	}
	e, ok := loaded.Entries["AAAAAT"]
	if !ok {
		t.Fatal("missing entry for AAAAAT")
	}
	if e.Parent != "AAAAAA" || e.Positions[100] != 2 {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestIndexLoadDetectsChecksumMismatch(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	idx := FromGroups("chr1", testGroups())
	path := filepath.Join(tmpdir, "chr1.json")
	assert.NoError(t, Save(ctx, path, idx))

	w, err := file.Create(ctx, path+".seahash")
	assert.NoError(t, err)
	_, err = w.Writer(ctx).Write([]byte("deadbeef\n"))
	assert.NoError(t, err)
	assert.NoError(t, w.Close(ctx))

	if _, err := Load(ctx, path, "chr1"); err == nil {
		t.Error("expected a checksum-mismatch error")
	}
}

func TestFamiliesByParentMergesAcrossEntries(t *testing.T) {
	idx := FromGroups("chr1", testGroups())
	families := idx.FamiliesByParent(5, false)
	fs, ok := families["AAAAAA"]
	if !ok {
		t.Fatal("no families for parent AAAAAA")
	}
	if len(fs) != 1 || fs[0].Count != 7 {
		t.Errorf("expected one merged family with count 7, got %+v", fs)
	}
}
