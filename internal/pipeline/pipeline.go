package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/shardpipe/internal/partition"
	"pkg.jsn.cam/shardpipe/internal/router"
	"pkg.jsn.cam/shardpipe/internal/stats"
)

// Config holds one run's parameters.
type Config struct {
	Mapper        string   // stage-one shell command; "cat" when empty
	Folder        string   // stage-two shell command; required
	Infiles       []string // input files; empty means standard input
	OutPrefix     string   // per-shard files at <prefix><i>; empty means merged stdout
	MapperThreads int      // stage-one children and chunks; NumCPU when 0
	FolderThreads int      // stage-two children; NumCPU when 0
	BufSize       int      // pipe reader/writer buffer; 64 KiB when 0
	Delim         partition.Delim
	Verbose       bool
	Progress      bool
	DrainGrace    time.Duration // wait before escalating to SIGTERM/SIGKILL on unwind

	Stdin  io.Reader // defaults to os.Stdin
	Stdout io.Writer // merged-mode destination; defaults to os.Stdout
}

func (c Config) withDefaults() Config {
	if c.Mapper == "" {
		c.Mapper = "cat"
	}
	if c.MapperThreads < 1 {
		c.MapperThreads = runtime.NumCPU()
	}
	if c.FolderThreads < 1 {
		c.FolderThreads = runtime.NumCPU()
	}
	if c.BufSize < 1 {
		c.BufSize = 64 * 1024
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 5 * time.Second
	}
	if c.Stdin == nil {
		c.Stdin = os.Stdin
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	return c
}

// countingWriter feeds the input-byte counter as data flows to a mapper.
type countingWriter struct {
	w        io.Writer
	counters *stats.Counters
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.counters.AddInput(int64(n))
	return n, err
}

// Run executes one full pipeline: chunked input → M mapper children →
// router → N folder children → shard sinks. It returns once every child is
// reaped and every sink is closed. Once the children are spawned, the
// returned record carries the run's accounting whether or not the run
// failed; an error during setup (no folder command, input, sinks or
// spawning) returns a nil record.
//
// Startup order: sinks, folders, mappers, then the feeder, router-reader
// and copier goroutines. Shutdown propagates from input EOF: feeders close
// mapper stdins, mappers exit, router readers drain their stdouts, the
// router closes folder stdins, folders exit, copiers drain, everything is
// joined and reaped.
//
// Any worker goroutine reports its first error to a fault channel. The
// unwinder reacts to a fault or a canceled context by closing the mapper
// stdins so the pipeline drains, then escalates to SIGTERM and SIGKILL if
// children are still alive after the grace period. Closing a mapper stdin
// also unblocks a feeder stuck writing to a full pipe, so a stalled stage
// cannot wedge the teardown.
func Run(ctx context.Context, cfg Config) (*stats.RunRecord, error) {
	cfg = cfg.withDefaults()
	if cfg.Folder == "" {
		return nil, fmt.Errorf("folder command is required")
	}

	started := time.Now()
	counters := stats.NewCounters(cfg.FolderThreads)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sources, totalBytes, err := openSources(runCtx, cfg)
	if err != nil {
		return nil, err
	}

	sinks, err := openSinks(cfg.OutPrefix, cfg.FolderThreads, cfg.BufSize, cfg.Stdout)
	if err != nil {
		return nil, err
	}

	folders, err := spawnFolders(cfg.Folder, cfg.FolderThreads)
	if err != nil {
		sinks.closeAll()
		return nil, err
	}

	mappers, err := spawnMappers(cfg.Mapper, sources)
	if err != nil {
		for _, f := range folders {
			f.CloseStdin()
			f.Kill()
			f.Wait()
		}
		sinks.closeAll()
		return nil, err
	}

	if cfg.Verbose {
		log.Printf("[PIPELINE] %d mappers (%q) feeding %d folders (%q)",
			len(mappers), cfg.Mapper, len(folders), cfg.Folder)
	}

	folderStdins := make([]io.Writer, len(folders))
	for i, f := range folders {
		folderStdins[i] = f.Stdin()
	}
	rt := router.New(folderStdins, cfg.BufSize, cfg.Delim, counters)

	var bar *progressbar.ProgressBar
	if cfg.Progress {
		bar = progressbar.DefaultBytes(totalBytes, "shardpipe")
	}

	// Shared fault channel: worker goroutines report their first error here
	// and terminate; the unwinder reacts to the first one.
	faults := make(chan error, 1)
	fault := func(err error) error {
		if err != nil {
			select {
			case faults <- err:
			default:
			}
		}
		return err
	}

	// Folder stdout copiers run for the whole pipeline lifetime and finish
	// when their child exits after stdin close.
	var copiers errgroup.Group
	for i, f := range folders {
		i, f := i, f
		copiers.Go(func() error {
			return fault(copyFolderOutput(f, i, sinks.shards[i], cfg.BufSize))
		})
	}

	// Unwinder: on fault or signal, close mapper stdins so the pipeline
	// drains, then escalate to SIGTERM and SIGKILL if children linger.
	runDone := make(chan struct{})
	var unwound sync.WaitGroup
	unwound.Add(1)
	go func() {
		defer unwound.Done()
		select {
		case <-runDone:
			return
		case err := <-faults:
			log.Printf("[PIPELINE] fault, unwinding: %v", err)
			cancel()
		case <-runCtx.Done():
			log.Printf("[PIPELINE] canceled, unwinding")
		}

		for _, t := range mappers {
			t.child.CloseStdin()
		}

		select {
		case <-runDone:
			return
		case <-time.After(cfg.DrainGrace):
		}
		log.Printf("[PIPELINE] drain grace expired, sending SIGTERM")
		for _, t := range mappers {
			t.child.Signal(syscall.SIGTERM)
		}
		for _, f := range folders {
			f.Signal(syscall.SIGTERM)
		}

		select {
		case <-runDone:
			return
		case <-time.After(cfg.DrainGrace):
		}
		log.Printf("[PIPELINE] children still alive, killing")
		for _, t := range mappers {
			t.child.Kill()
		}
		for _, f := range folders {
			f.Kill()
		}
	}()

	// Stage one: a feeder and a router-reader per mapper. The per-mapper
	// reader is what keeps a mapper from blocking on its own stdout while
	// another shard is congested.
	var stage1 errgroup.Group
	for _, t := range mappers {
		t := t
		stage1.Go(func() error {
			var w io.Writer = &countingWriter{w: t.child.Stdin(), counters: counters}
			if bar != nil {
				w = io.MultiWriter(w, bar)
			}
			return fault(t.feed(runCtx, cfg.BufSize, w, cfg.Verbose))
		})
		stage1.Go(func() error {
			if err := rt.Consume(t.child.Stdout()); err != nil {
				return fault(fmt.Errorf("%w: mapper %d (%q): %v", ErrChildIO, t.index, t.child.Command, err))
			}
			t.child.MarkDrained()
			return nil
		})
	}

	// First fault wins, with one exception: a broken pipe seen by the
	// router or a feeder is only a symptom of a child dying, so a concrete
	// non-zero exit status collected at reap time replaces it. The
	// diagnostic then names the stage that actually failed, not the stage
	// that noticed.
	var firstErr error
	record := func(err error) {
		if err == nil {
			return
		}
		if firstErr == nil {
			firstErr = err
			return
		}
		if errors.Is(firstErr, ErrChildIO) && errors.Is(err, ErrChildExit) {
			firstErr = err
		}
	}

	record(stage1.Wait())

	// Reap stage one. Feeders close stdins on their way out; this covers
	// the paths that never started feeding.
	for _, t := range mappers {
		t.child.CloseStdin()
		if werr := t.child.Wait(); werr != nil {
			record(fault(fmt.Errorf("%w: %v", ErrChildExit, werr)))
		}
	}

	if ferr := rt.Flush(); ferr != nil {
		record(fmt.Errorf("%w: folder (%q): %v", ErrChildIO, cfg.Folder, ferr))
	}
	for _, f := range folders {
		f.CloseStdin()
	}

	record(copiers.Wait())

	for _, f := range folders {
		if werr := f.Wait(); werr != nil {
			record(fmt.Errorf("%w: %v", ErrChildExit, werr))
		}
	}

	close(runDone)
	unwound.Wait()

	if serr := sinks.closeAll(); serr != nil {
		record(serr)
	}
	if bar != nil {
		bar.Finish()
	}

	if firstErr == nil && ctx.Err() != nil {
		firstErr = fmt.Errorf("run interrupted: %w", ErrCanceled)
	}

	rec := stats.NewRunRecord(counters, started, firstErr)
	rec.Mapper = cfg.Mapper
	rec.Folder = cfg.Folder
	rec.MapperThreads = len(mappers)
	rec.FolderThreads = len(folders)
	if cfg.Verbose {
		rec.WriteSummary(os.Stderr)
	}

	return rec, firstErr
}
