package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/surge-downloader/batchdl/internal/download"
	"github.com/surge-downloader/batchdl/internal/engine/events"
	"github.com/surge-downloader/batchdl/internal/engine/types"
	"github.com/surge-downloader/batchdl/internal/history"
)

var getCmd = &cobra.Command{
	Use:   "get [url]...",
	Short: "Download URLs under the configured rate limit",
	Long: `get downloads every URL given as an argument or listed in a batch file.
Batch file lines are: url[<TAB>filename[<TAB>expected_size]]. Lines starting with # are ignored.`,
	Args: cobra.ArbitraryArgs,
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringP("batch", "b", "", "file with one candidate per line")
	getCmd.Flags().StringP("output", "o", "", "download directory (default from settings)")
	getCmd.Flags().IntP("concurrency", "c", 0, "maximum parallel downloads (default from settings)")
	getCmd.Flags().Bool("force", false, "download URLs already recorded in history")
	getCmd.Flags().Bool("json", false, "print events as JSON lines instead of a progress bar")
	getCmd.Flags().Bool("preserve-path", false, "mirror the URL's host and directories under the output dir")
	getCmd.Flags().Bool("no-history", false, "neither consult nor update the history ledger")
}

func runGet(cmd *cobra.Command, args []string) error {
	batchFile, _ := cmd.Flags().GetString("batch")
	outDir, _ := cmd.Flags().GetString("output")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	force, _ := cmd.Flags().GetBool("force")
	jsonOut, _ := cmd.Flags().GetBool("json")
	preservePath, _ := cmd.Flags().GetBool("preserve-path")
	noHistory, _ := cmd.Flags().GetBool("no-history")

	if outDir == "" {
		outDir = settings.General.DownloadDir
	}
	if concurrency == 0 {
		concurrency = settings.Limits.MaxConcurrentDownloads
	}

	var candidates []types.Candidate
	for _, arg := range args {
		c, err := parseCandidateLine(arg)
		if err != nil {
			return err
		}
		candidates = append(candidates, c)
	}
	if batchFile != "" {
		fromFile, err := readCandidatesFromFile(batchFile)
		if err != nil {
			return err
		}
		candidates = append(candidates, fromFile...)
	}
	if len(candidates) == 0 {
		return errors.New("no URLs given: pass URLs as arguments or use --batch")
	}
	if err := placeCandidates(candidates, outDir, preservePath); err != nil {
		return err
	}

	lock, err := acquireDirLock(outDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Debug("releasing lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledger *history.Store
	if !noHistory {
		ledger, err = history.Open(settings.HistoryPath())
		if err != nil {
			return err
		}
		defer ledger.Close()

		if !force {
			candidates, err = filterRecorded(ctx, ledger, candidates)
			if err != nil {
				return err
			}
		}
	}

	runID := uuid.NewString()
	recorder := newHistorySink(runID)
	sinks := events.MultiSink{recorder}

	out := cmd.OutOrStdout()
	var bar *progressSink
	switch {
	case jsonOut:
		sinks = append(sinks, newJSONSink(out))
	case isTerminal(cmd.ErrOrStderr()):
		bar = newProgressSink(cmd.ErrOrStderr(), len(candidates))
		sinks = append(sinks, bar)
	}

	engine, err := download.New(settings.ToEngineConfig(),
		download.WithLogger(logger.With("run", runID[:8])),
		download.WithSink(sinks),
	)
	if err != nil {
		return err
	}
	defer engine.Close()

	succeeded, failed, err := engine.Run(ctx, candidates, concurrency)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	if ledger != nil {
		// The run context may be canceled; the ledger write must still happen.
		for _, e := range recorder.Entries() {
			if err := ledger.Record(context.WithoutCancel(ctx), e); err != nil {
				logger.Warn("recording history", "url", e.URL, "error", err)
			}
		}
	}

	s := engine.Stats()
	if !jsonOut {
		fmt.Fprintln(out, renderStats(s))
	}
	logger.Info("run finished",
		"succeeded", succeeded, "failed", failed, "skipped", s.Skipped(),
		"bytes", humanize.IBytes(uint64(s.Bytes)), "dir", filepath.Clean(outDir))

	if ctx.Err() != nil {
		return errors.New("interrupted")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads failed", failed, len(candidates))
	}
	return nil
}

func filterRecorded(ctx context.Context, ledger *history.Store, cands []types.Candidate) ([]types.Candidate, error) {
	kept := cands[:0]
	skipped := 0
	for _, c := range cands {
		done, err := ledger.Has(ctx, c.SourceURL)
		if err != nil {
			return nil, err
		}
		if done {
			skipped++
			continue
		}
		kept = append(kept, c)
	}
	if skipped > 0 {
		logger.Info("skipping urls completed in earlier runs", "count", skipped)
	}
	return kept, nil
}
