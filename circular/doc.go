// Copyright 2018 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package circular provides sizing helpers for circular/bucketed buffers,
// frequently useful when iterating through sorted BAM/PAM/BED files.
package circular
