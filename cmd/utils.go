package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/surge-downloader/batchdl/internal/engine/types"
	"github.com/surge-downloader/batchdl/internal/utils"
)

// maxLineLength bounds one batch file line. Signed CDN URLs get long.
const maxLineLength = 1024 * 1024

// readCandidatesFromFile reads one candidate per line:
//
//	url[<TAB>filename[<TAB>expected_size]]
//
// Blank lines and lines starting with # are skipped.
func readCandidatesFromFile(path string) ([]types.Candidate, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()
	return parseCandidates(file)
}

func parseCandidates(r io.Reader) ([]types.Candidate, error) {
	var out []types.Candidate
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c, err := parseCandidateLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return out, nil
}

func parseCandidateLine(line string) (types.Candidate, error) {
	fields := strings.Split(line, "\t")
	c := types.Candidate{SourceURL: strings.TrimSpace(fields[0])}
	if !strings.Contains(c.SourceURL, "://") {
		return c, fmt.Errorf("not a url: %q", c.SourceURL)
	}
	if len(fields) > 1 {
		c.SuggestedFilename = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		if raw := strings.TrimSpace(fields[2]); raw != "" {
			size, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || size < 0 {
				return c, fmt.Errorf("invalid expected size %q", raw)
			}
			c.ExpectedSize = size
		}
	}
	return c, nil
}

// placeCandidates sets each candidate's destination under outDir, mirroring
// the URL's directory layout when preservePath is set.
func placeCandidates(cands []types.Candidate, outDir string, preservePath bool) error {
	for i := range cands {
		dir := outDir
		if preservePath {
			sub, err := utils.URLDir(cands[i].SourceURL)
			if err != nil {
				return err
			}
			dir = filepath.Join(outDir, sub)
		}
		cands[i].DestinationDir = dir
	}
	return nil
}
