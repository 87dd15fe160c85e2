// Package geosplit splits a columnar geospatial dataset into per-partition
// geometry and attribute files joined by a shared key. Geometry files are
// written as GeoParquet (WKB encoding with a standards-compliant "geo"
// metadata block) or optionally as FlatGeobuf; attribute files are plain
// Parquet with the geometry column removed.
package geosplit

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// GeometryFormat selects the on-disk encoding of the geometry file.
type GeometryFormat int

const (
	// FormatGeoParquet writes the geometry file as GeoParquet.
	FormatGeoParquet GeometryFormat = iota
	// FormatFlatGeobuf writes the geometry file as FlatGeobuf.
	FormatFlatGeobuf
)

// Ext returns the file extension for the format.
func (f GeometryFormat) Ext() string {
	if f == FormatFlatGeobuf {
		return "fgb"
	}
	return "parquet"
}

// ParseErrorPolicy controls what happens when a record's geometry cannot
// be decoded.
type ParseErrorPolicy int

const (
	// PolicySkip drops the record and counts it in the summary.
	PolicySkip ParseErrorPolicy = iota
	// PolicyAbort fails the whole run on the first unreadable geometry.
	PolicyAbort
)

// EmptyPartitionPolicy controls what happens when a partition key matches
// zero rows in a source file.
type EmptyPartitionPolicy int

const (
	// EmptySkip logs a warning and writes no files for the partition.
	EmptySkip EmptyPartitionPolicy = iota
	// EmptyWrite writes empty-but-valid output files with empty metadata.
	EmptyWrite
)

// Unassigned is the bucket name for records whose partition key is null
// or empty, and for source files that carry no partition column at all.
const Unassigned = "unassigned"

// CRS identifies a coordinate reference system by authority and code.
type CRS struct {
	Authority string // e.g. "EPSG"
	Code      int    // e.g. 4326
}

// WGS84 returns the standard WGS84 CRS (EPSG:4326).
func WGS84() CRS {
	return CRS{Authority: "EPSG", Code: 4326}
}

// String renders the CRS as "authority:code", e.g. "EPSG:4326".
func (c CRS) String() string {
	return c.Authority + ":" + strconv.Itoa(c.Code)
}

// IsZero reports whether the CRS is unset.
func (c CRS) IsZero() bool {
	return c.Authority == "" && c.Code == 0
}

// ParseCRS parses an "authority:code" string such as "EPSG:4326".
func ParseCRS(s string) (CRS, error) {
	auth, code, ok := strings.Cut(s, ":")
	if !ok || auth == "" {
		return CRS{}, fmt.Errorf("geosplit: invalid CRS %q, want authority:code", s)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return CRS{}, fmt.Errorf("geosplit: invalid CRS code in %q: %w", s, err)
	}
	return CRS{Authority: auth, Code: n}, nil
}

// Options configures schema classification, geometry normalization and
// output writing.
type Options struct {
	// JoinKey is the column that uniquely identifies a feature and joins
	// the geometry file to the attributes file.
	JoinKey string

	// PartitionKey is the discrete column the dataset is split by.
	PartitionKey string

	// GeometryColumn is the binary (WKB) geometry column.
	GeometryColumn string

	// TextGeometryColumns are textual (WKT) geometry columns, consulted
	// in order when the binary column is absent or unreadable. They are
	// never carried into output files.
	TextGeometryColumns []string

	// DerivedColumns are per-row views of the geometry (axis extents,
	// type flags, point projections). They are dropped from all outputs
	// since they are re-derivable from the geometry itself.
	DerivedColumns []string

	// FallbackCRS is assumed when the source declares no CRS. Its use is
	// always logged.
	FallbackCRS CRS

	// Decoder selects the geometry decoding strategy.
	Decoder GeometryDecoder

	// OnParseError selects the failure policy for unreadable geometries.
	OnParseError ParseErrorPolicy

	// OnEmptyPartition selects the policy for partitions with zero rows
	// in a source file.
	OnEmptyPartition EmptyPartitionPolicy

	// IncludeUnassigned routes records with a null or empty partition key
	// into the "unassigned" bucket instead of excluding them.
	IncludeUnassigned bool

	// Format selects the geometry file encoding.
	Format GeometryFormat

	// WriteRetries is how many times a failed output write is retried
	// before the partition is abandoned.
	WriteRetries int

	// Workers bounds how many partitions are processed concurrently.
	// Zero or one means sequential.
	Workers int

	// Logger receives structured progress and warning output. Defaults
	// to slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns options matching the statewide parcel layout:
// PARCEL_LID join key, COUNTY partition key, a WKB "geometry" column and
// the usual scattering of derived spatial columns.
func DefaultOptions() *Options {
	return &Options{
		JoinKey:             "PARCEL_LID",
		PartitionKey:        "COUNTY",
		GeometryColumn:      "geometry",
		TextGeometryColumns: []string{"geometry_wkt", "wkt"},
		DerivedColumns: []string{
			"minx", "miny", "maxx", "maxy",
			"geom_type", "centroid_x", "centroid_y",
		},
		FallbackCRS:  WGS84(),
		Decoder:      FallbackDecoder{},
		OnParseError: PolicySkip,
		WriteRetries: 2,
	}
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// SchemaError reports malformed or missing expected columns in a source
// file. It is fatal and aborts the whole run.
type SchemaError struct {
	File string
	Msg  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("geosplit: schema error in %s: %s", e.File, e.Msg)
}

// GeometryParseError reports a single record whose geometry could not be
// decoded. Whether it is fatal depends on Options.OnParseError.
type GeometryParseError struct {
	File    string
	JoinKey string
	Raw     string // truncated representation of the offending value
	Err     error
}

func (e *GeometryParseError) Error() string {
	return fmt.Sprintf("geosplit: unreadable geometry in %s (join key %q, raw %q): %v",
		e.File, e.JoinKey, e.Raw, e.Err)
}

func (e *GeometryParseError) Unwrap() error { return e.Err }

// PartitionNotFoundError reports a requested partition filter that matches
// zero rows. No files are written.
type PartitionNotFoundError struct {
	Key       string
	Available []string
}

func (e *PartitionNotFoundError) Error() string {
	return fmt.Sprintf("geosplit: partition %q not found, available: %s",
		e.Key, strings.Join(e.Available, ", "))
}

// WriteError reports an output file that could not be written after the
// configured number of retries. It is fatal for its partition only.
type WriteError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("geosplit: writing %s failed after %d attempts: %v",
		e.Path, e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
