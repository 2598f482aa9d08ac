package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkg.jsn.cam/shardpipe/internal/partition"
	"pkg.jsn.cam/shardpipe/internal/pipeline"
	"pkg.jsn.cam/shardpipe/internal/stats"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shardpipe:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		mapper        string
		folder        string
		infiles       []string
		outPrefix     string
		mapperThreads int
		folderThreads int
		bufSize       int
		keyDelim      string
		verbose       bool
		progress      bool
		statsDB       string
	)

	cmd := &cobra.Command{
		Use:   "shardpipe",
		Short: "Partition a line stream across per-shard worker pipelines",
		Long: `shardpipe reads a line-oriented input, pipes it through mapper children,
and routes every line to one of N folder children by hashing the line's
first whitespace-delimited token. Lines sharing a key always reach the same
folder, so per-shard aggregations need no combine step: concatenating the
shard outputs is the final result.

Example word count across 4 shards:

  shardpipe --infile corpus.txt \
    --mapper "tr ' ' '\n' | grep -v '^$'" \
    --folder "awk '{a[\$0]++} END {for (k in a) print k, a[k]}'" \
    --folder-threads 4`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			delim, err := parseDelim(keyDelim)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec, runErr := pipeline.Run(ctx, pipeline.Config{
				Mapper:        mapper,
				Folder:        folder,
				Infiles:       infiles,
				OutPrefix:     outPrefix,
				MapperThreads: mapperThreads,
				FolderThreads: folderThreads,
				BufSize:       bufSize,
				Delim:         delim,
				Verbose:       verbose,
				Progress:      progress,
			})
			// A second interrupt after this point gets default handling.
			stop()

			if rec != nil && statsDB != "" {
				if err := appendRun(statsDB, rec); err != nil {
					log.Printf("[STATS] %v", err)
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&mapper, "mapper", "cat", "shell command for the stage-one flat-mapper")
	cmd.Flags().StringVar(&folder, "folder", "", "shell command for the stage-two folder (required)")
	cmd.Flags().StringArrayVar(&infiles, "infile", nil, "input file; repeatable; omit to read standard input")
	cmd.Flags().StringVar(&outPrefix, "outprefix", "", "write one file per shard at <prefix><i>; omit to merge to standard output")
	cmd.Flags().IntVar(&mapperThreads, "mapper-threads", 0, "number of mapper children and chunks (default: logical CPUs)")
	cmd.Flags().IntVar(&folderThreads, "folder-threads", 0, "number of folder children (default: logical CPUs)")
	cmd.Flags().IntVar(&bufSize, "bufsize", 64*1024, "pipe buffer size in bytes")
	cmd.Flags().StringVar(&keyDelim, "key-delim", "space-tab", "key delimiter set: space-tab or space")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print routing statistics to stderr")
	cmd.Flags().BoolVar(&progress, "progress", false, "show input progress on stderr")
	cmd.Flags().StringVar(&statsDB, "stats-db", "", "record run statistics in this database file")
	cmd.MarkFlagRequired("folder")

	cmd.AddCommand(newRunsCmd())
	return cmd
}

func parseDelim(s string) (partition.Delim, error) {
	switch s {
	case "space-tab":
		return partition.SpaceTab, nil
	case "space":
		return partition.SpaceOnly, nil
	}
	return 0, fmt.Errorf("unknown key delimiter %q (want space-tab or space)", s)
}

func appendRun(dbPath string, rec *stats.RunRecord) error {
	ledger, err := stats.OpenLedger(dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()
	return ledger.Append(rec)
}

func newRunsCmd() *cobra.Command {
	var statsDB string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs from a statistics database",
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := stats.OpenLedger(statsDB)
			if err != nil {
				return err
			}
			defer ledger.Close()

			runs, err := ledger.Runs()
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded")
				return nil
			}

			fmt.Printf("%-36s %-20s %-10s %-12s %-10s %s\n",
				"RUN ID", "STARTED", "INPUT", "LINES", "DURATION", "STATUS")
			for _, r := range runs {
				status := "ok"
				if r.Failed {
					status = "failed"
				}
				fmt.Printf("%-36s %-20s %-10s %-12d %-10s %s\n",
					r.ID,
					r.StartedAt.Format("2006-01-02 15:04:05"),
					humanize.Bytes(uint64(r.InputBytes)),
					r.RoutedLines,
					r.Duration,
					status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statsDB, "stats-db", "", "statistics database file")
	cmd.MarkFlagRequired("stats-db")
	return cmd
}
