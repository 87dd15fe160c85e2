package geosplit

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
)

// Summary accumulates per-partition, per-source-file record counts during
// a run and renders the split_summary.txt report. Counts reflect records
// actually written, not read, so partial failures stay visible. It is safe
// for concurrent use.
type Summary struct {
	mu        sync.Mutex
	target    string
	outputDir string
	order     []string
	files     map[string]map[string]*tally
	excluded  int64
}

type tally struct {
	written int64
	skipped int64
}

// NewSummary returns an empty summary. target is the single-partition
// filter, or "" when splitting everything.
func NewSummary(target, outputDir string) *Summary {
	return &Summary{
		target:    target,
		outputDir: outputDir,
		files:     map[string]map[string]*tally{},
	}
}

// Record adds one partition result. Append-only; safe from concurrent
// partition workers.
func (s *Summary) Record(r PartitionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byPartition, ok := s.files[r.Source]
	if !ok {
		byPartition = map[string]*tally{}
		s.files[r.Source] = byPartition
		s.order = append(s.order, r.Source)
	}
	t, ok := byPartition[r.Partition]
	if !ok {
		t = &tally{}
		byPartition[r.Partition] = t
	}
	t.written += r.Written
	t.skipped += r.Skipped
}

// RecordExcluded adds rows left out of the run entirely for lacking a
// partition key.
func (s *Summary) RecordExcluded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.excluded += n
}

// TotalExcluded returns the number of rows excluded for a null or empty
// partition key.
func (s *Summary) TotalExcluded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.excluded
}

// TotalWritten returns the grand total of records written.
func (s *Summary) TotalWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, byPartition := range s.files {
		for _, t := range byPartition {
			total += t.written
		}
	}
	return total
}

// TotalSkipped returns the grand total of records dropped for unreadable
// geometry.
func (s *Summary) TotalSkipped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, byPartition := range s.files {
		for _, t := range byPartition {
			total += t.skipped
		}
	}
	return total
}

// Render writes the human-readable report: a section per source file with
// per-partition counts, per-file totals, skipped-record counts when any,
// and a grand total.
func (s *Summary) Render(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	title := "GeoParquet Split Summary"
	if s.target != "" {
		title += " - " + s.target
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n\n", title, strings.Repeat("=", 50)); err != nil {
		return err
	}

	var grandWritten, grandSkipped int64
	for _, file := range s.order {
		byPartition := s.files[file]

		if _, err := fmt.Fprintf(w, "File: %s\n%s\n", file, strings.Repeat("-", 30)); err != nil {
			return err
		}

		keys := make([]string, 0, len(byPartition))
		for k := range byPartition {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var fileWritten, fileSkipped int64
		for _, key := range keys {
			t := byPartition[key]
			fileWritten += t.written
			fileSkipped += t.skipped
			if _, err := fmt.Fprintf(w, "  %-20s: %10s records\n", key, humanize.Comma(t.written)); err != nil {
				return err
			}
			if t.skipped > 0 {
				if _, err := fmt.Fprintf(w, "  %-20s: %10s records\n", key+" (skipped)", humanize.Comma(t.skipped)); err != nil {
					return err
				}
			}
		}
		if _, err := fmt.Fprintf(w, "  %-20s: %10s records\n\n", "TOTAL", humanize.Comma(fileWritten)); err != nil {
			return err
		}

		grandWritten += fileWritten
		grandSkipped += fileSkipped
	}

	if _, err := fmt.Fprintf(w, "Grand Total: %s records processed\n", humanize.Comma(grandWritten)); err != nil {
		return err
	}
	if grandSkipped > 0 {
		if _, err := fmt.Fprintf(w, "Skipped: %s records with unreadable geometry\n", humanize.Comma(grandSkipped)); err != nil {
			return err
		}
	}
	if s.excluded > 0 {
		if _, err := fmt.Fprintf(w, "Excluded: %s records with null or empty partition key\n", humanize.Comma(s.excluded)); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Output directory: %s\n", s.outputDir)
	return err
}

// WriteFile renders the report to the given path.
func (s *Summary) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
