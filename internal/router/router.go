package router

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"pkg.jsn.cam/shardpipe/internal/partition"
	"pkg.jsn.cam/shardpipe/internal/stats"
)

// Router delivers lines from the merged stage-one output stream to one of N
// shard writers, chosen by hashing each line's key. Writes are whole-line
// atomic: a per-shard mutex is held across exactly one line, so concurrent
// producers interleave at line granularity and never split a line.
//
// Backpressure is inherent: a slow shard fills its pipe, the write blocks,
// and only the producer currently targeting that shard stalls. Producers
// feeding other shards keep going.
type Router struct {
	shards   []*shardWriter
	bufsize  int
	delim    partition.Delim
	counters *stats.Counters
}

type shardWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// New builds a Router over one writer per shard. bufsize sizes the
// per-shard buffered writers and the readers Consume creates. counters may
// be nil.
func New(sinks []io.Writer, bufsize int, delim partition.Delim, counters *stats.Counters) *Router {
	shards := make([]*shardWriter, len(sinks))
	for i, sink := range sinks {
		shards[i] = &shardWriter{w: bufio.NewWriterSize(sink, bufsize)}
	}
	return &Router{shards: shards, bufsize: bufsize, delim: delim, counters: counters}
}

// Route writes one line to the shard its key hashes to. The line must end
// with '\n'; Consume guarantees that for lines it reads.
func (r *Router) Route(line []byte) error {
	idx := partition.Index(line, len(r.shards), r.delim)

	s := r.shards[idx]
	s.mu.Lock()
	_, err := s.w.Write(line)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("route to shard %d: %w", idx, err)
	}

	if r.counters != nil {
		r.counters.AddRouted(idx, len(line))
	}
	return nil
}

// Consume reads lines from a single stage-one output until EOF and routes
// each. Lines of arbitrary length are supported: the underlying reader
// grows its allocation instead of truncating. A final line with no
// terminator gets one synthesized before routing. One Consume call runs per
// stage-one child, each on its own goroutine.
func (r *Router) Consume(src io.Reader) error {
	br := bufio.NewReaderSize(src, r.bufsize)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if rerr := r.Route(line); rerr != nil {
				return rerr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read mapper output: %w", err)
		}
	}
}

// Flush flushes every shard writer. Called once after all producers are
// done; the per-shard locks still guard against a straggler.
func (r *Router) Flush() error {
	for i, s := range r.shards {
		s.mu.Lock()
		err := s.w.Flush()
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("flush shard %d: %w", i, err)
		}
	}
	return nil
}
