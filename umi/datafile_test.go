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
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func TestWriteDatafile(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := vcontext.Background()

	groups := []*Group{
		{Parent: "AAAAAA", Children: []string{"AAAAAT", "AAAAAC"}},
		{Parent: "GGGGGG", Children: []string{"GGGGGT"}},
	}
	path := filepath.Join(tmpdir, "datafile_chr1.csv")
	assert.NoError(t, WriteDatafile(ctx, path, "chr1", 100, 200, groups))

	r, err := file.Open(ctx, path)
	assert.NoError(t, err)
	defer r.Close(ctx)
	data, err := readAll(ctx, r)
	assert.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2 (header + row): %q", len(lines), data)
	}
	fields := strings.Split(lines[1], "\t")
	if fields[0] != "chr1" || fields[3] != "2" || fields[4] != "3" {
		t.Errorf("unexpected row: %q", lines[1])
	}
}
