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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/debarcer/interval"
	"github.com/grailbio/hts/sam"
	"github.com/klauspost/compress/gzip"
)

// Common pileup components.

// PosType is the integer type used to represent genomic positions.
type PosType = interval.PosType

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = interval.PosTypeMax

// These constants have two relevant meanings:
// 1. In the .bam seq[] encoding (sam.BaseA, sam.BaseC, etc.), it's the
//    position of A's set bit.  This is relevant when using
//    __builtin_ctzl([read seq word] & (~[ref seq word])) to quickly iterate
//    over differences-from-reference.
// 2. It's the natural value for A/C/G/T in a packed 2-bit representation
//    (useful anywhere we don't have to worry about Ns).

const (
	// BaseA represents an A base.
	BaseA byte = iota
	// BaseC represents an C base.
	BaseC
	// BaseG represents an G base.
	BaseG
	// BaseT represents an T base.
	BaseT
	// BaseX is a catch-all.
	BaseX
)

const (
	// NBase is the number of regular base types.
	NBase = 4
	// NBaseEnum counts BaseX as well as the regular base types.
	NBaseEnum = 5
)

// Seq8ToEnumTable is the .bam seq nibble -> A/C/G/T/X enum mapping.
var Seq8ToEnumTable = [...]byte{BaseX, BaseA, BaseC, BaseX, BaseG, BaseX, BaseX, BaseX, BaseT, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX, BaseX}

// EnumToASCIITable is the A/C/G/T/X -> ASCII mapping, with X rendered as 'N'.
var EnumToASCIITable = [...]byte{'A', 'C', 'G', 'T', 'N'}

// Seq8ToASCIITable is the .bam seq nibble -> ASCII mapping.
var Seq8ToASCIITable = [...]byte{'=', 'A', 'C', 'M', 'G', 'R', 'S', 'V', 'T', 'W', 'Y', 'H', 'K', 'D', 'B', 'N'}

// ExpandSeq unpacks a BAM record's 4-bit-per-base sequence into plain ASCII
// bytes, one per base. Each packed byte holds two bases: the high nibble is
// the earlier base, the low nibble the later one.
func ExpandSeq(seq sam.Seq) []byte {
	out := make([]byte, seq.Length)
	for i := 0; i < seq.Length; i++ {
		b := byte(seq.Seq[i/2])
		var nibble byte
		if i%2 == 0 {
			nibble = b >> 4
		} else {
			nibble = b & 0x0f
		}
		out[i] = Seq8ToASCIITable[nibble]
	}
	return out
}

// LoadFa loads a .fa file into plain uppercase ASCII byte slices, one per
// reference in headerRefs. Reference sequences not present in the .bam/.sam
// header are skipped.
func LoadFa(ctx context.Context, fapath string, maxline int, headerRefs []*sam.Reference) (refSeqs [][]byte, err error) {
	var infile file.File
	if infile, err = file.Open(ctx, fapath); err != nil {
		return
	}
	defer func() {
		if e := infile.Close(ctx); e != nil && err == nil {
			err = e
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(fapath) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	scanner := bufio.NewScanner(reader)
	// Provide a way to accept .fa files which put an entire reference on a
	// single line.
	startSize := bufio.MaxScanTokenSize
	if startSize > maxline {
		startSize = maxline
	}
	buf := make([]byte, startSize, maxline)
	scanner.Buffer(buf, maxline)

	bamRefMap := make(map[string]int)
	for i, curRef := range headerRefs {
		name := curRef.Name()
		bamRefMap[name] = i
		// possible todo: tolerate '1' vs. 'chr1', etc.
	}
	refSeqs = make([][]byte, len(headerRefs))

	lineIdx := 0
	refIdx := 0
	keepRef := false
	refSeq := []byte{}
	refPos := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nByte := len(curLine)
		if nByte == 0 {
			continue
		}
		if curLine[0] == '>' {
			if keepRef {
				if refPos != len(refSeq) {
					err = fmt.Errorf("loadFa: inconsistent lengths for contig %s (%d in .bam header, %d in .fa)", headerRefs[refIdx].Name(), len(refSeq), refPos)
					return
				}
				refSeqs[refIdx] = refSeq
			}
			refIdx, keepRef = bamRefMap[gunsafe.BytesToString(curLine[1:])]
			if keepRef {
				newRef := headerRefs[refIdx]
				refSeq = make([]byte, newRef.Len())
				refPos = 0
			}
			continue
		}
		if !keepRef {
			continue
		}
		copy(refSeq[refPos:refPos+nByte], bytes.ToUpper(curLine))
		refPos += nByte
	}
	if err = scanner.Err(); err != nil {
		return
	}
	if keepRef {
		if refPos != len(refSeq) {
			err = fmt.Errorf("loadFa: inconsistent lengths for ref %s (%d in .bam header, %d in .fa)", headerRefs[refIdx].Name(), len(refSeq), refPos)
			return
		}
		refSeqs[refIdx] = refSeq
	}
	return
}
