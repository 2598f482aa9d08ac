package stats

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Counters accumulates per-run accounting from the hot path. All fields are
// atomics; the router and feeders update them concurrently.
type Counters struct {
	inputBytes  atomic.Int64
	routedLines atomic.Int64
	shardLines  []atomic.Int64
	shardBytes  []atomic.Int64
}

// NewCounters returns counters for n shards.
func NewCounters(n int) *Counters {
	return &Counters{
		shardLines: make([]atomic.Int64, n),
		shardBytes: make([]atomic.Int64, n),
	}
}

// AddInput records bytes read from the input file or stdin.
func (c *Counters) AddInput(n int64) {
	c.inputBytes.Add(n)
}

// AddRouted records one line of len n routed to the given shard.
func (c *Counters) AddRouted(shard int, n int) {
	c.routedLines.Add(1)
	c.shardLines[shard].Add(1)
	c.shardBytes[shard].Add(int64(n))
}

// InputBytes returns the total bytes read from the input.
func (c *Counters) InputBytes() int64 { return c.inputBytes.Load() }

// RoutedLines returns the total lines routed across all shards.
func (c *Counters) RoutedLines() int64 { return c.routedLines.Load() }

// ShardLines returns a snapshot of the per-shard line counts.
func (c *Counters) ShardLines() []int64 {
	out := make([]int64, len(c.shardLines))
	for i := range c.shardLines {
		out[i] = c.shardLines[i].Load()
	}
	return out
}

// ShardBytes returns a snapshot of the per-shard byte counts.
func (c *Counters) ShardBytes() []int64 {
	out := make([]int64, len(c.shardBytes))
	for i := range c.shardBytes {
		out[i] = c.shardBytes[i].Load()
	}
	return out
}

// RunRecord is the accounting summary of one completed run.
type RunRecord struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	Duration      string    `json:"duration"`
	Mapper        string    `json:"mapper"`
	Folder        string    `json:"folder"`
	MapperThreads int       `json:"mapper_threads"`
	FolderThreads int       `json:"folder_threads"`
	InputBytes    int64     `json:"input_bytes"`
	RoutedLines   int64     `json:"routed_lines"`
	ShardLines    []int64   `json:"shard_lines"`
	ShardBytes    []int64   `json:"shard_bytes"`
	Failed        bool      `json:"failed"`
	Error         string    `json:"error,omitempty"`
}

// NewRunRecord snapshots counters into a record with a fresh run id.
func NewRunRecord(c *Counters, startedAt time.Time, runErr error) *RunRecord {
	rec := &RunRecord{
		ID:          uuid.New().String(),
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt).Round(time.Millisecond).String(),
		InputBytes:  c.InputBytes(),
		RoutedLines: c.RoutedLines(),
		ShardLines:  c.ShardLines(),
		ShardBytes:  c.ShardBytes(),
	}
	if runErr != nil {
		rec.Failed = true
		rec.Error = runErr.Error()
	}
	return rec
}

// WriteSummary prints a human-readable end-of-run summary.
func (r *RunRecord) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "[RUN:%s] %s read, %d lines routed in %s\n",
		r.ID, humanize.Bytes(uint64(r.InputBytes)), r.RoutedLines, r.Duration)
	for i := range r.ShardLines {
		fmt.Fprintf(w, "[RUN:%s]   shard %d: %d lines (%s)\n",
			r.ID, i, r.ShardLines[i], humanize.Bytes(uint64(r.ShardBytes[i])))
	}
}
