package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"pkg.jsn.cam/shardpipe/internal/child"
)

// spawnFolders launches the N per-shard folder children.
func spawnFolders(command string, n int) ([]*child.Child, error) {
	folders := make([]*child.Child, 0, n)
	for i := 0; i < n; i++ {
		c, err := child.Spawn(command, "folder "+strconv.Itoa(i))
		if err != nil {
			for _, f := range folders {
				f.CloseStdin()
				f.Kill()
				f.Wait()
			}
			return nil, fmt.Errorf("%w: folder %d: %v", ErrSpawn, i, err)
		}
		folders = append(folders, c)
	}
	return folders, nil
}

// copyFolderOutput drains one folder's stdout into its shard sink, line by
// line so merged-mode output never interleaves partial lines. A final line
// missing its terminator gets one synthesized, so shard output always ends
// with '\n'.
func copyFolderOutput(c *child.Child, shard int, sink lineSink, bufsize int) error {
	br := bufio.NewReaderSize(c.Stdout(), bufsize)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] != '\n' {
				line = append(line, '\n')
			}
			if werr := sink.WriteLine(line); werr != nil {
				return fmt.Errorf("%w: shard %d: %v", ErrOutputIO, shard, werr)
			}
		}
		if err == io.EOF {
			c.MarkDrained()
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: folder %d stdout: %v", ErrChildIO, shard, err)
		}
	}
}
