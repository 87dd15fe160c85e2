package geosplit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSummary_Render(t *testing.T) {
	s := NewSummary("", "output_by_county")
	s.Record(PartitionResult{Partition: "Baker", Source: "parcels.parquet", Written: 1200})
	s.Record(PartitionResult{Partition: "Multnomah", Source: "parcels.parquet", Written: 250000, Skipped: 3})
	s.Record(PartitionResult{Partition: "Baker", Source: "orphans.parquet", Written: 40})

	var sb strings.Builder
	if err := s.Render(&sb); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"GeoParquet Split Summary",
		"File: parcels.parquet",
		"File: orphans.parquet",
		"Multnomah",
		"250,000 records",
		"Multnomah (skipped)",
		"TOTAL",
		"Grand Total: 251,240 records processed",
		"Skipped: 3 records with unreadable geometry",
		"Output directory: output_by_county",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	if s.TotalWritten() != 251240 {
		t.Errorf("expected total 251240, got %d", s.TotalWritten())
	}
	if s.TotalSkipped() != 3 {
		t.Errorf("expected 3 skipped, got %d", s.TotalSkipped())
	}
}

func TestSummary_TargetTitle(t *testing.T) {
	s := NewSummary("Baker", "out")
	s.Record(PartitionResult{Partition: "Baker", Source: "parcels.parquet", Written: 10})

	var sb strings.Builder
	if err := s.Render(&sb); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(sb.String(), "GeoParquet Split Summary - Baker") {
		t.Errorf("expected target in title:\n%s", sb.String())
	}
}

func TestSummary_NoSkippedLine(t *testing.T) {
	s := NewSummary("", "out")
	s.Record(PartitionResult{Partition: "A", Source: "parcels.parquet", Written: 5})

	var sb strings.Builder
	if err := s.Render(&sb); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(sb.String(), "Skipped:") {
		t.Error("skipped line must be omitted when nothing was skipped")
	}
	if strings.Contains(sb.String(), "Excluded:") {
		t.Error("excluded line must be omitted when nothing was excluded")
	}
}

func TestSummary_ExcludedLine(t *testing.T) {
	s := NewSummary("", "out")
	s.Record(PartitionResult{Partition: "A", Source: "parcels.parquet", Written: 5})
	s.RecordExcluded(2)

	var sb strings.Builder
	if err := s.Render(&sb); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(sb.String(), "Excluded: 2 records with null or empty partition key") {
		t.Errorf("expected excluded line:\n%s", sb.String())
	}
	if s.TotalExcluded() != 2 {
		t.Errorf("expected 2 excluded, got %d", s.TotalExcluded())
	}
}

func TestSummary_AccumulatesAcrossRecords(t *testing.T) {
	s := NewSummary("", "out")
	s.Record(PartitionResult{Partition: "A", Source: "parcels.parquet", Written: 2})
	s.Record(PartitionResult{Partition: "A", Source: "parcels.parquet", Written: 3, Skipped: 1})

	if s.TotalWritten() != 5 {
		t.Errorf("expected 5 written, got %d", s.TotalWritten())
	}
	if s.TotalSkipped() != 1 {
		t.Errorf("expected 1 skipped, got %d", s.TotalSkipped())
	}
}

func TestSummary_WriteFile(t *testing.T) {
	s := NewSummary("", "out")
	s.Record(PartitionResult{Partition: "A", Source: "parcels.parquet", Written: 7})

	path := filepath.Join(t.TempDir(), SummaryFileName)
	if err := s.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Grand Total: 7 records processed") {
		t.Errorf("unexpected file contents:\n%s", data)
	}
}
