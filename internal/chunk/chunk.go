package chunk

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// MinSize is the floor on chunk size: files smaller than maxChunks*MinSize
// get fewer chunks so children are not spawned for a handful of bytes.
const MinSize = 16 * 1024

// FileChunk is a newline-aligned byte range of an input file. Start is 0 or
// just past a '\n'; Stop is just past a '\n' or the end of the file.
type FileChunk struct {
	Path  string
	Start int64
	Stop  int64
}

// Size returns the number of bytes in the chunk.
func (c FileChunk) Size() int64 {
	return c.Stop - c.Start
}

// Open returns a reader over exactly this chunk's bytes. The caller closes it.
func (c FileChunk) Open() (io.ReadCloser, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open chunk of %s: %w", c.Path, err)
	}
	if _, err := f.Seek(c.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek chunk of %s: %w", c.Path, err)
	}

	return &chunkReader{f: f, remaining: c.Size()}, nil
}

type chunkReader struct {
	f         *os.File
	remaining int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *chunkReader) Close() error {
	return r.f.Close()
}

// Chunkify splits the file at path into up to maxChunks newline-aligned
// ranges of roughly equal size, together covering every byte exactly once.
// Interior boundaries are advanced past the next '\n' so no line straddles
// two chunks. The file must not be modified until the chunks are consumed.
func Chunkify(path string, maxChunks int) ([]FileChunk, error) {
	if maxChunks < 1 {
		return nil, fmt.Errorf("chunkify %s: need at least one chunk", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, nil
	}
	if n := int(size / MinSize); n < maxChunks {
		maxChunks = n
	}
	if maxChunks < 1 {
		maxChunks = 1
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	chunks := make([]FileChunk, 0, maxChunks)
	var current int64
	for i := 0; i < maxChunks; i++ {
		stop := size * int64(i+1) / int64(maxChunks)

		// A single line can swallow a whole nominal block; skip it.
		if current >= stop {
			continue
		}

		if stop < size {
			advance, err := nextNewline(f, stop)
			if err != nil {
				return nil, fmt.Errorf("align chunk of %s: %w", path, err)
			}
			stop += advance
		}

		chunks = append(chunks, FileChunk{Path: path, Start: current, Stop: stop})
		current = stop

		if stop >= size {
			break
		}
	}

	return chunks, nil
}

// ChunkifyMultiple spreads up to maxChunks+len(paths) chunks over several
// files, giving each file a share proportional to its size.
func ChunkifyMultiple(paths []string, maxChunks int) ([]FileChunk, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var total int64
	sizes := make([]int64, len(paths))
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		sizes[i] = info.Size()
		total += info.Size()
	}
	if total == 0 {
		return nil, nil
	}

	avg := (total + int64(maxChunks) - 1) / int64(maxChunks)
	var chunks []FileChunk
	for i, path := range paths {
		if sizes[i] == 0 {
			continue
		}
		want := int((sizes[i] + avg - 1) / avg)
		if want < 1 {
			want = 1
		}
		if want > maxChunks {
			want = maxChunks
		}
		cs, err := Chunkify(path, want)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, cs...)
	}

	return chunks, nil
}

// nextNewline returns how many bytes past offset the next '\n' ends, or the
// distance to EOF when the final line has no terminator.
func nextNewline(f *os.File, offset int64) (int64, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	r := bufio.NewReader(f)
	var advance int64
	for {
		b, err := r.ReadByte()
		if err == io.EOF {
			return advance, nil
		}
		if err != nil {
			return 0, err
		}
		advance++
		if b == '\n' {
			return advance, nil
		}
	}
}
