package chunk

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func readChunk(t *testing.T, c FileChunk) string {
	t.Helper()
	r, err := c.Open()
	if err != nil {
		t.Fatalf("open chunk: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	return string(data)
}

func TestChunkify_CoversEveryByteOnce(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 5000; i++ {
		sb.WriteString("key value payload line\n")
	}
	data := sb.String()
	path := writeFile(t, "input.txt", data)

	for _, m := range []int{1, 2, 3, 4, 7} {
		chunks, err := Chunkify(path, m)
		if err != nil {
			t.Fatalf("Chunkify(m=%d): %v", m, err)
		}
		if len(chunks) == 0 || len(chunks) > m {
			t.Fatalf("Chunkify(m=%d) returned %d chunks", m, len(chunks))
		}

		var reassembled bytes.Buffer
		var prev int64
		for _, c := range chunks {
			if c.Start != prev {
				t.Errorf("m=%d: chunk starts at %d, want %d", m, c.Start, prev)
			}
			prev = c.Stop
			reassembled.WriteString(readChunk(t, c))
		}
		if prev != int64(len(data)) {
			t.Errorf("m=%d: chunks stop at %d, want %d", m, prev, len(data))
		}
		if reassembled.String() != data {
			t.Errorf("m=%d: reassembled chunks differ from input", m)
		}
	}
}

func TestChunkify_NewlineAligned(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 8000; i++ {
		sb.WriteString("abcdefghij 0123456789\n")
	}
	path := writeFile(t, "aligned.txt", sb.String())

	chunks, err := Chunkify(path, 4)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) < 2 {
		t.Skipf("file produced %d chunks, need 2+ to check alignment", len(chunks))
	}

	for i, c := range chunks {
		got := readChunk(t, c)
		if !strings.HasSuffix(got, "\n") {
			t.Errorf("chunk %d does not end at a newline", i)
		}
		if strings.HasPrefix(got, "\n") {
			t.Errorf("chunk %d starts with a dangling newline", i)
		}
		for _, line := range strings.Split(strings.TrimSuffix(got, "\n"), "\n") {
			if line != "abcdefghij 0123456789" {
				t.Errorf("chunk %d contains a split line %q", i, line)
			}
		}
	}
}

func TestChunkify_EmptyFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "empty.txt", "")
	chunks, err := Chunkify(path, 4)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("empty file produced %d chunks, want 0", len(chunks))
	}
}

func TestChunkify_NoTrailingNewline(t *testing.T) {
	t.Parallel()

	data := "only line without terminator"
	path := writeFile(t, "noeol.txt", data)

	chunks, err := Chunkify(path, 3)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if got := readChunk(t, chunks[0]); got != data {
		t.Errorf("chunk = %q, want %q", got, data)
	}
}

func TestChunkify_SmallFileCollapses(t *testing.T) {
	t.Parallel()

	// Far below maxChunks*MinSize, so the chunk count collapses to 1.
	path := writeFile(t, "small.txt", "a 1\nb 2\nc 3\n")
	chunks, err := Chunkify(path, 8)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("small file produced %d chunks, want 1", len(chunks))
	}
}

func TestChunkify_OneLongLine(t *testing.T) {
	t.Parallel()

	// A single line larger than every nominal block boundary.
	data := strings.Repeat("a", 200*1024) + "\n"
	path := writeFile(t, "long.txt", data)

	chunks, err := Chunkify(path, 4)
	if err != nil {
		t.Fatalf("Chunkify: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("long line produced %d chunks, want 1", len(chunks))
	}
	if got := readChunk(t, chunks[0]); got != data {
		t.Errorf("chunk lost bytes: got %d, want %d", len(got), len(data))
	}
}

func TestChunkifyMultiple(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("k v\n", 30000)
	small := "x 1\ny 2\n"
	p1 := writeFile(t, "big.txt", big)
	p2 := writeFile(t, "small.txt", small)

	chunks, err := ChunkifyMultiple([]string{p1, p2}, 4)
	if err != nil {
		t.Fatalf("ChunkifyMultiple: %v", err)
	}

	byPath := make(map[string]*bytes.Buffer)
	for _, c := range chunks {
		if byPath[c.Path] == nil {
			byPath[c.Path] = &bytes.Buffer{}
		}
		byPath[c.Path].WriteString(readChunk(t, c))
	}
	if got := byPath[p1].String(); got != big {
		t.Errorf("big file not fully covered: %d bytes of %d", len(got), len(big))
	}
	if got := byPath[p2].String(); got != small {
		t.Errorf("small file not fully covered: got %q", got)
	}
}
