// Package bamprovider provides utilities for scanning a coordinate-sorted,
// indexed BAM file in parallel.
//
// Provider is the interface for reading a BAM file in shards; region/driver.go
// uses it to fan out one goroutine per target region.
package bamprovider
