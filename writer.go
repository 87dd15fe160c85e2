package geosplit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb/encoding/wkb"
)

// PartitionResult reports what one partition of one source file produced.
type PartitionResult struct {
	Partition string
	Source    string
	Written   int64
	Skipped   int64
}

// PartitionWriter writes the geometry and attributes files for single
// partitions. Writers for different partitions touch disjoint paths, so
// one writer per worker is safe.
type PartitionWriter struct {
	outputRoot string
	opts       *Options
	log        *slog.Logger
}

// NewPartitionWriter returns a writer rooted at the output directory.
func NewPartitionWriter(outputRoot string, opts *Options) *PartitionWriter {
	return &PartitionWriter{outputRoot: outputRoot, opts: opts, log: opts.logger()}
}

// WritePartition scans one partition out of the dataset, normalizes each
// record's geometry and writes the geometry file and the attributes file.
// norm may be nil for attributes-only sources. Both files carry the same
// row set and the same join-key values; records dropped for unreadable
// geometry appear in neither.
//
// Re-running with identical input overwrites previous output with
// byte-identical files: writes go to a temp file that is renamed into
// place, and no timestamps enter the persisted metadata.
func (w *PartitionWriter) WritePartition(ctx context.Context, ds Dataset, layout *Layout, norm *Normalizer, partition string) (PartitionResult, error) {
	result := PartitionResult{Partition: partition, Source: ds.Name()}

	var (
		geomRows []Row
		attrRows []Row
		extent   = newGeoExtent()
		attrCols = layout.AttributeColumns()
	)

	err := ds.Scan(ctx, partition, func(row Row) error {
		joinValue := row[layout.JoinKey]

		if norm != nil {
			g, err := norm.Normalize(ds.Name(), fmt.Sprintf("%v", joinValue), row)
			if err != nil {
				if w.opts.OnParseError == PolicyAbort {
					return err
				}
				result.Skipped++
				w.log.Warn("skipping record with unreadable geometry",
					slog.String("file", ds.Name()),
					slog.String("partition", partition),
					slog.Any("join_key", joinValue),
					slog.Any("error", err))
				return nil
			}

			data, err := wkb.Marshal(g)
			if err != nil {
				return fmt.Errorf("geosplit: encoding geometry to WKB: %w", err)
			}
			extent.add(g)
			geomRows = append(geomRows, Row{
				layout.JoinKey:        joinValue,
				w.opts.GeometryColumn: data,
			})
		}

		attrRow := make(Row, len(attrCols))
		for _, col := range attrCols {
			if v, ok := row[col]; ok {
				attrRow[col] = v
			}
		}
		attrRows = append(attrRows, attrRow)
		result.Written++
		return nil
	})
	if err != nil {
		return result, err
	}

	if result.Written == 0 && w.opts.OnEmptyPartition == EmptySkip {
		w.log.Warn("no records for partition, skipping output",
			slog.String("file", ds.Name()),
			slog.String("partition", partition))
		return result, nil
	}

	// Directory creation is output I/O like the file writes below: its
	// failure must stay fatal for this partition only.
	dir := filepath.Join(w.outputRoot, SafeKey(partition))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return result, &WriteError{Path: dir, Attempts: 1, Err: err}
	}
	stem := strings.TrimSuffix(ds.Name(), filepath.Ext(ds.Name()))
	prefix := SafeKey(partition) + "_" + stem

	if norm != nil {
		geomPath := filepath.Join(dir, prefix+"_geometry."+w.opts.Format.Ext())
		if err := w.writeGeometryFile(geomPath, layout, norm.CRS(), geomRows, extent, ds.Schema(), partition); err != nil {
			return result, err
		}
	}

	attrPath := filepath.Join(dir, prefix+"_attributes.parquet")
	attrSchema := projectSchema("attributes", ds.Schema(), attrCols)
	if err := w.retryWrite(attrPath, func(tmp string) error {
		return writeParquetFile(tmp, attrSchema, attrRows, "")
	}); err != nil {
		return result, err
	}

	return result, nil
}

func (w *PartitionWriter) writeGeometryFile(path string, layout *Layout, crs CRS, rows []Row, extent *geoExtent, src *parquet.Schema, partition string) error {
	if w.opts.Format == FormatFlatGeobuf {
		return w.retryWrite(path, func(tmp string) error {
			return writeFlatGeobufFile(tmp, partition, layout.JoinKey, w.opts.GeometryColumn, rows, crs)
		})
	}

	meta, err := extent.metadata(w.opts.GeometryColumn, crs).Encode()
	if err != nil {
		return err
	}
	schema := geometrySchema(src, layout.JoinKey, w.opts.GeometryColumn)
	return w.retryWrite(path, func(tmp string) error {
		return writeParquetFile(tmp, schema, rows, meta)
	})
}

// retryWrite runs fn against a temp path and renames the result into
// place, retrying failures a bounded number of times before giving up
// with a *WriteError. The rename keeps half-written files out of the
// output tree.
func (w *PartitionWriter) retryWrite(path string, fn func(tmp string) error) error {
	attempts := w.opts.WriteRetries + 1
	tmp := path + ".tmp"

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(tmp)
		if lastErr == nil {
			if lastErr = os.Rename(tmp, path); lastErr == nil {
				return nil
			}
		}
		os.Remove(tmp)
		if attempt < attempts {
			w.log.Warn("output write failed, retrying",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr))
		}
	}
	return &WriteError{Path: path, Attempts: attempts, Err: lastErr}
}

// writeParquetFile writes rows under the given schema, zstd compressed.
// geoMeta, when non-empty, is persisted under the "geo" footer key. An
// empty row slice still produces a structurally valid file.
func writeParquetFile(path string, schema *parquet.Schema, rows []Row, geoMeta string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	options := []parquet.WriterOption{schema, parquet.Compression(&parquet.Zstd)}
	if geoMeta != "" {
		options = append(options, parquet.KeyValueMetadata(GeoMetadataKey, geoMeta))
	}

	pw := parquet.NewGenericWriter[Row](f, options...)
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			f.Close()
			return err
		}
	}
	if err := pw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// geometrySchema builds the geometry file schema: the join key (typed as
// in the source) plus a single WKB byte-array geometry column.
func geometrySchema(src *parquet.Schema, joinKey, geometryColumn string) *parquet.Schema {
	group := parquet.Group{
		joinKey:        fieldNode(src, joinKey),
		geometryColumn: parquet.Leaf(parquet.ByteArrayType),
	}
	return parquet.NewSchema("geometry", group)
}

// projectSchema builds a schema keeping only the named columns, with their
// source node types.
func projectSchema(name string, src *parquet.Schema, columns []string) *parquet.Schema {
	keep := make(map[string]bool, len(columns))
	for _, c := range columns {
		keep[c] = true
	}
	group := parquet.Group{}
	for _, f := range src.Fields() {
		if keep[f.Name()] {
			group[f.Name()] = f
		}
	}
	return parquet.NewSchema(name, group)
}

func fieldNode(src *parquet.Schema, name string) parquet.Node {
	for _, f := range src.Fields() {
		if f.Name() == name {
			return f
		}
	}
	return parquet.Optional(parquet.String())
}
