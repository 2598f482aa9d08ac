package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"

	"pkg.jsn.cam/shardpipe/internal/child"
	"pkg.jsn.cam/shardpipe/internal/chunk"
)

// source is one line-aligned input stream destined for one mapper child.
type source struct {
	name string
	open func() (io.ReadCloser, error)
}

// openSources resolves the configured inputs into per-mapper sources. Files
// are split into newline-aligned chunks by chunk.ChunkifyMultiple (at most
// MapperThreads for a single file, MapperThreads plus the file count for
// several); with no file
// the whole of standard input becomes a single source. The second return is
// the total input size, or -1 when unknown.
//
// Standard input is pumped through a pipe whose write half is closed when
// ctx is canceled, so a feeder blocked on an idle terminal still unwinds.
func openSources(ctx context.Context, cfg Config) ([]source, int64, error) {
	if len(cfg.Infiles) == 0 {
		pr, pw := io.Pipe()
		go func() {
			_, err := io.Copy(pw, cfg.Stdin)
			pw.CloseWithError(err)
		}()
		go func() {
			<-ctx.Done()
			pw.CloseWithError(ctx.Err())
		}()
		return []source{{
			name: "stdin",
			open: func() (io.ReadCloser, error) { return pr, nil },
		}}, -1, nil
	}

	chunks, err := chunk.ChunkifyMultiple(cfg.Infiles, cfg.MapperThreads)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInputIO, err)
	}

	var total int64
	sources := make([]source, len(chunks))
	for i, c := range chunks {
		c := c
		total += c.Size()
		sources[i] = source{
			name: c.Path + "[" + strconv.FormatInt(c.Start, 10) + ":" + strconv.FormatInt(c.Stop, 10) + "]",
			open: c.Open,
		}
	}
	return sources, total, nil
}

// mapperTask pairs one stage-one child with the source that feeds it.
type mapperTask struct {
	child *child.Child
	src   source
	index int
}

// spawnMappers launches one flat-mapper child per source.
func spawnMappers(command string, sources []source) ([]*mapperTask, error) {
	tasks := make([]*mapperTask, 0, len(sources))
	for i, src := range sources {
		c, err := child.Spawn(command, "mapper "+strconv.Itoa(i))
		if err != nil {
			for _, t := range tasks {
				t.child.CloseStdin()
				t.child.Kill()
				t.child.Wait()
			}
			return nil, fmt.Errorf("%w: mapper %d: %v", ErrSpawn, i, err)
		}
		tasks = append(tasks, &mapperTask{child: c, src: src, index: i})
	}
	return tasks, nil
}

// feed copies the task's source into its mapper's stdin, then closes the
// stdin half so the child sees EOF. The copy checks ctx between blocks so a
// fault elsewhere (or a signal) stops input promptly.
func (t *mapperTask) feed(ctx context.Context, bufsize int, sink io.Writer, verbose bool) error {
	defer t.child.CloseStdin()

	r, err := t.src.open()
	if err != nil {
		return fmt.Errorf("%w: mapper %d: %v", ErrInputIO, t.index, err)
	}
	defer r.Close()

	buf := make([]byte, bufsize)
	var copied int64
	for {
		if ctx.Err() != nil {
			return fmt.Errorf("mapper %d feed: %w", t.index, ErrCanceled)
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				// The unwinder closes mapper stdins to abort a run, so a
				// write failure under a canceled context is not a fault of
				// its own.
				if ctx.Err() != nil {
					return fmt.Errorf("mapper %d feed: %w", t.index, ErrCanceled)
				}
				return fmt.Errorf("%w: mapper %d (%q) stdin: %v", ErrChildIO, t.index, t.child.Command, werr)
			}
			copied += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("mapper %d feed: %w", t.index, ErrCanceled)
			}
			return fmt.Errorf("%w: %s: %v", ErrInputIO, t.src.name, rerr)
		}
	}

	if verbose {
		log.Printf("[STAGE1:%d] fed %d bytes from %s", t.index, copied, t.src.name)
	}
	return nil
}
