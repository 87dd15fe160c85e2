package geosplit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SummaryFileName is the report written at the output root.
const SummaryFileName = "split_summary.txt"

// Splitter runs the full pipeline: discover source files, classify their
// schemas, enumerate partitions from the main file, then write per
// partition geometry and attribute files plus the summary report.
type Splitter struct {
	inputDir  string
	outputDir string
	target    string
	opts      *Options
	log       *slog.Logger
}

// New returns a splitter. target restricts the run to a single partition
// key; pass "" to split everything.
func New(inputDir, outputDir, target string, opts *Options) *Splitter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Splitter{
		inputDir:  inputDir,
		outputDir: outputDir,
		target:    target,
		opts:      opts,
		log:       opts.logger(),
	}
}

// ListPartitions enumerates the distinct partition keys of the main source
// file with their row counts, sorted alphabetically.
func (s *Splitter) ListPartitions(ctx context.Context) ([]PartitionCount, error) {
	_, mainPath, err := s.discoverSources()
	if err != nil {
		return nil, err
	}
	ds, err := OpenParquet(mainPath, s.opts)
	if err != nil {
		return nil, err
	}
	defer ds.Close()

	counts, _, err := ds.Partitions(ctx)
	return counts, err
}

// Run executes the split. Errors local to one partition (write failures
// after retries) are collected and do not stop other partitions; errors in
// shared setup (file discovery, schema classification, enumeration) and
// geometry parse errors under PolicyAbort end the run. The summary file is
// written even when some partitions failed, so the damage is visible.
func (s *Splitter) Run(ctx context.Context) (*Summary, error) {
	sources, mainPath, err := s.discoverSources()
	if err != nil {
		return nil, err
	}
	s.log.Info("discovered source files",
		slog.Int("count", len(sources)),
		slog.String("main", filepath.Base(mainPath)))

	partitions, excluded, err := s.enumerate(ctx, mainPath)
	if err != nil {
		return nil, err
	}

	if s.target != "" {
		found := false
		for _, pc := range partitions {
			if pc.Key == s.target {
				partitions = []PartitionCount{pc}
				found = true
				break
			}
		}
		if !found {
			return nil, &PartitionNotFoundError{Key: s.target, Available: partitionKeys(partitions)}
		}
		s.log.Info("extracting single partition", slog.String("partition", s.target))
	} else {
		s.log.Info("processing all partitions", slog.Int("count", len(partitions)))
	}

	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("geosplit: creating output directory: %w", err)
	}

	summary := NewSummary(s.target, s.outputDir)
	summary.RecordExcluded(excluded)
	writer := NewPartitionWriter(s.outputDir, s.opts)

	var (
		partitionErrs []error
		errMu         sync.Mutex
	)

	for _, path := range sources {
		probe, err := OpenParquet(path, s.opts)
		if err != nil {
			return summary, err
		}
		layout, err := ClassifySchema(probe.Name(), probe.Columns(), path == mainPath, s.opts)
		if err != nil {
			probe.Close()
			return summary, err
		}
		declared, haveDeclared := probe.CRS()
		probe.Close()

		keys := partitions
		if !layout.HasPartitionKey() {
			if s.target != "" {
				s.log.Warn("source has no partition column, skipped under partition filter",
					slog.String("file", filepath.Base(path)))
				continue
			}
			keys = []PartitionCount{{Key: Unassigned}}
		}

		var crs CRS
		if layout.HasGeometry() {
			crs = ResolveCRS(filepath.Base(path), declared, haveDeclared, s.opts)
		}

		g, gctx := errgroup.WithContext(ctx)
		workers := s.opts.Workers
		if workers < 1 {
			workers = 1
		}
		g.SetLimit(workers)

		for _, pc := range keys {
			pc := pc
			path := path
			g.Go(func() error {
				ds, err := OpenParquet(path, s.opts)
				if err != nil {
					return err
				}
				defer ds.Close()

				var norm *Normalizer
				if layout.HasGeometry() {
					norm = NewNormalizer(layout, crs, s.opts)
				}

				result, err := writer.WritePartition(gctx, ds, layout, norm, pc.Key)
				if err != nil {
					var werr *WriteError
					if errors.As(err, &werr) {
						// Fatal for this partition only. Nothing is
						// recorded: the summary reflects records written,
						// not read.
						s.log.Error("partition failed",
							slog.String("file", ds.Name()),
							slog.String("partition", pc.Key),
							slog.Any("error", err))
						errMu.Lock()
						partitionErrs = append(partitionErrs, err)
						errMu.Unlock()
						return nil
					}
					return err
				}
				summary.Record(result)

				s.log.Info("partition processed",
					slog.String("file", ds.Name()),
					slog.String("partition", pc.Key),
					slog.Int64("written", result.Written),
					slog.Int64("skipped", result.Skipped))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return summary, err
		}
	}

	if err := summary.WriteFile(filepath.Join(s.outputDir, SummaryFileName)); err != nil {
		return summary, err
	}

	if len(partitionErrs) > 0 {
		return summary, errors.Join(partitionErrs...)
	}
	return summary, nil
}

// discoverSources lists the parquet files in the input directory, sorted
// for reproducibility, and identifies the main file: the largest one, the
// same heuristic the upstream data drops follow.
func (s *Splitter) discoverSources() ([]string, string, error) {
	matches, err := filepath.Glob(filepath.Join(s.inputDir, "*.parquet"))
	if err != nil {
		return nil, "", err
	}
	if len(matches) == 0 {
		return nil, "", fmt.Errorf("geosplit: no parquet files found in %s", s.inputDir)
	}
	sort.Strings(matches)

	mainPath := matches[0]
	var mainSize int64 = -1
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			return nil, "", err
		}
		if info.Size() > mainSize {
			mainSize = info.Size()
			mainPath = path
		}
	}
	return matches, mainPath, nil
}

// enumerate produces the partition set from the main file, routing rows
// with null or empty keys per the unassigned policy. The second return is
// the number of rows excluded for lacking a partition key, for the summary
// report.
func (s *Splitter) enumerate(ctx context.Context, mainPath string) ([]PartitionCount, int64, error) {
	ds, err := OpenParquet(mainPath, s.opts)
	if err != nil {
		return nil, 0, err
	}
	defer ds.Close()

	counts, unassigned, err := ds.Partitions(ctx)
	if err != nil {
		return nil, 0, err
	}
	var excluded int64
	if unassigned > 0 {
		if s.opts.IncludeUnassigned {
			counts = append(counts, PartitionCount{Key: Unassigned, Rows: unassigned})
		} else {
			excluded = unassigned
			s.log.Warn("rows with null or empty partition key excluded",
				slog.String("file", ds.Name()),
				slog.Int64("rows", unassigned))
		}
	}
	if len(counts) == 0 {
		return nil, 0, &SchemaError{File: ds.Name(), Msg: "no partition values found"}
	}
	s.log.Info("enumerated partitions",
		slog.String("file", ds.Name()),
		slog.Int("count", len(counts)))
	return counts, excluded, nil
}
