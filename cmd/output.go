package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/surge-downloader/batchdl/internal/engine/events"
	"github.com/surge-downloader/batchdl/internal/engine/stats"
	"github.com/surge-downloader/batchdl/internal/history"
)

// progressSink drives one bar over the whole batch: the bar counts
// finished tasks and the description shows bytes written.
type progressSink struct {
	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	bytes int64
}

func newProgressSink(w io.Writer, total int) *progressSink {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetWidth(30),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	return &progressSink{bar: bar}
}

func (s *progressSink) OnTaskStarted(events.DownloadStartedMsg) {}

func (s *progressSink) OnTaskProgress(m events.ProgressMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytes += m.Delta
	s.bar.Describe("downloading " + humanize.IBytes(uint64(s.bytes)))
}

func (s *progressSink) OnTaskTerminal(any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Add(1)
}

// Finish completes the bar even when some tasks were canceled.
func (s *progressSink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Finish()
}

// jsonSink writes every event as one JSON line.
type jsonSink struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func newJSONSink(w io.Writer) *jsonSink {
	return &jsonSink{w: w, now: time.Now}
}

func (s *jsonSink) write(msg any) {
	line, err := events.Encode(msg, s.now())
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(append(line, '\n'))
}

func (s *jsonSink) OnTaskStarted(m events.DownloadStartedMsg) { s.write(m) }
func (s *jsonSink) OnTaskProgress(m events.ProgressMsg)       { s.write(m) }
func (s *jsonSink) OnTaskTerminal(m any)                      { s.write(m) }

// historySink remembers completed tasks so they can be written to the
// ledger once the run ends.
type historySink struct {
	mu        sync.Mutex
	runID     string
	urls      map[string]string // task id -> source url
	completed []history.Entry
}

func newHistorySink(runID string) *historySink {
	return &historySink{runID: runID, urls: make(map[string]string)}
}

func (s *historySink) OnTaskStarted(m events.DownloadStartedMsg) {
	s.mu.Lock()
	s.urls[m.DownloadID] = m.URL
	s.mu.Unlock()
}

func (s *historySink) OnTaskProgress(events.ProgressMsg) {}

func (s *historySink) OnTaskTerminal(msg any) {
	m, ok := msg.(events.DownloadCompleteMsg)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, history.Entry{
		URL:         s.urls[m.DownloadID],
		DestPath:    m.DestPath,
		Bytes:       m.Total,
		Attempts:    m.Attempts,
		Elapsed:     m.Elapsed,
		RunID:       s.runID,
		CompletedAt: time.Now(),
	})
}

func (s *historySink) Entries() []history.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]history.Entry(nil), s.completed...)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}

func renderStats(s stats.DownloadStats) string {
	rows := [][]string{
		{"attempted", strconv.FormatInt(s.Attempted, 10)},
		{"succeeded", strconv.FormatInt(s.Succeeded, 10)},
		{"failed", strconv.FormatInt(s.Failed, 10)},
		{"skipped (duplicate)", strconv.FormatInt(s.SkippedDuplicate, 10)},
		{"skipped (existing)", strconv.FormatInt(s.SkippedExisting, 10)},
		{"success rate", fmt.Sprintf("%.1f%%", s.SuccessRate()*100)},
		{"downloaded", humanize.IBytes(uint64(s.Bytes))},
		{"throughput", humanize.IBytes(uint64(s.Throughput)) + "/s"},
		{"avg duration", s.AvgDuration.Round(time.Millisecond).String()},
		{"elapsed", s.Elapsed.Round(time.Millisecond).String()},
		{"rate limit waits", fmt.Sprintf("%d (avg %s, max %s)", s.RateLimit.Waits,
			s.RateLimit.AvgWait().Round(time.Millisecond), s.RateLimit.MaxWait.Round(time.Millisecond))},
		{"cache hit rate", fmt.Sprintf("%.1f%%", s.Cache.HitRate()*100)},
	}

	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		rows = append(rows, []string{"http " + strconv.Itoa(code), strconv.FormatInt(s.StatusCodes[code], 10)})
	}

	kinds := make([]string, 0, len(s.ErrorKinds))
	for kind := range s.ErrorKinds {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		rows = append(rows, []string{"errors: " + kind, strconv.FormatInt(s.ErrorKinds[kind], 10)})
	}

	return renderTable([]string{"Metric", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func renderHistory(entries []history.Entry) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.CompletedAt.Local().Format("2006-01-02 15:04"),
			humanize.IBytes(uint64(e.Bytes)),
			strconv.Itoa(e.Attempts),
			e.DestPath,
			e.URL,
		})
	}
	return renderTable(
		[]string{"Completed", "Size", "Attempts", "Path", "URL"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	)
}
