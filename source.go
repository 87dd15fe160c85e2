package geosplit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Row is one record of source data, keyed by column name. Absent keys are
// nulls.
type Row = map[string]any

// Dataset is a predicate-filtered, grouped scan capability over one
// columnar source file. The split pipeline is written against this
// interface so the storage engine stays swappable and the pipeline is
// testable with an in-memory implementation.
type Dataset interface {
	// Name returns the source file name (base name, with extension).
	Name() string

	// Schema returns the source schema.
	Schema() *parquet.Schema

	// Columns returns the column names in source order.
	Columns() []string

	// CRS returns the declared coordinate reference system, if any.
	CRS() (CRS, bool)

	// Partitions returns the distinct non-null partition-key values with
	// their row counts, sorted alphabetically, plus the number of rows
	// whose partition key is null or empty. It must not materialize the
	// dataset: implementations scan only the partition column.
	Partitions(ctx context.Context) ([]PartitionCount, int64, error)

	// Scan invokes fn for every row whose partition key equals the given
	// value. Scanning for Unassigned matches rows with a null or empty
	// partition key, and all rows when the file has no partition column.
	// An empty partition value matches every row.
	Scan(ctx context.Context, partition string, fn func(Row) error) error

	// Close releases the underlying file handle.
	Close() error
}

// ParquetDataset is the parquet-backed Dataset implementation.
type ParquetDataset struct {
	path         string
	osFile       *os.File
	file         *parquet.File
	partitionCol string
	crs          CRS
	hasCRS       bool
}

// OpenParquet opens a parquet source file and reads its GeoParquet
// metadata block when present. Each concurrent scanner should open its own
// handle; a ParquetDataset holds no shared cursor but is not safe for
// concurrent Scan calls.
func OpenParquet(path string, opts *Options) (*ParquetDataset, error) {
	osFile, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geosplit: opening %s: %w", path, err)
	}
	stat, err := osFile.Stat()
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("geosplit: stat %s: %w", path, err)
	}
	file, err := parquet.OpenFile(osFile, stat.Size())
	if err != nil {
		osFile.Close()
		return nil, fmt.Errorf("geosplit: reading parquet footer of %s: %w", path, err)
	}

	d := &ParquetDataset{path: path, osFile: osFile, file: file}

	for _, f := range file.Schema().Fields() {
		if f.Name() == opts.PartitionKey {
			d.partitionCol = opts.PartitionKey
			break
		}
	}

	if meta, ok, err := ReadGeoMetadata(file); err != nil {
		osFile.Close()
		return nil, err
	} else if ok {
		d.crs, d.hasCRS = meta.DeclaredCRS()
	}

	return d, nil
}

func (d *ParquetDataset) Name() string { return filepath.Base(d.path) }

func (d *ParquetDataset) Schema() *parquet.Schema { return d.file.Schema() }

func (d *ParquetDataset) Columns() []string {
	fields := d.file.Schema().Fields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name()
	}
	return cols
}

func (d *ParquetDataset) CRS() (CRS, bool) { return d.crs, d.hasCRS }

func (d *ParquetDataset) Close() error { return d.osFile.Close() }

// Partitions aggregates distinct partition values by reading only the
// partition column's pages, never whole rows.
func (d *ParquetDataset) Partitions(ctx context.Context) ([]PartitionCount, int64, error) {
	if d.partitionCol == "" {
		return nil, 0, &SchemaError{File: d.Name(), Msg: "no partition column to enumerate"}
	}

	leaf, ok := d.file.Schema().Lookup(d.partitionCol)
	if !ok {
		return nil, 0, &SchemaError{File: d.Name(), Msg: "partition column " + d.partitionCol + " not found"}
	}

	counts := map[string]int64{}
	var unassigned int64
	values := make([]parquet.Value, 256)

	for _, rg := range d.file.RowGroups() {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		pages := rg.ColumnChunks()[leaf.ColumnIndex].Pages()
		for {
			page, err := pages.ReadPage()
			if err == io.EOF {
				break
			}
			if err != nil {
				pages.Close()
				return nil, 0, fmt.Errorf("geosplit: reading partition column of %s: %w", d.Name(), err)
			}
			reader := page.Values()
			for {
				n, err := reader.ReadValues(values)
				for _, v := range values[:n] {
					if v.IsNull() || v.String() == "" {
						unassigned++
						continue
					}
					counts[v.String()]++
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					pages.Close()
					return nil, 0, fmt.Errorf("geosplit: reading partition column of %s: %w", d.Name(), err)
				}
			}
		}
		if err := pages.Close(); err != nil {
			return nil, 0, err
		}
	}

	return sortedPartitionCounts(counts), unassigned, nil
}

// Scan reads rows row-group by row-group and applies the partition filter
// before handing rows to fn.
func (d *ParquetDataset) Scan(ctx context.Context, partition string, fn func(Row) error) error {
	schema := d.file.Schema()
	leaves := leafNames(schema)
	stringCol := stringColumns(schema)

	buf := make([]parquet.Row, 64)
	for _, rg := range d.file.RowGroups() {
		rows := rg.Rows()
		for {
			if err := ctx.Err(); err != nil {
				rows.Close()
				return err
			}
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				row := make(Row, len(leaves))
				for _, v := range buf[i] {
					if v.IsNull() {
						continue
					}
					name := leaves[v.Column()]
					row[name] = goValue(v, stringCol[name])
				}
				if !d.matches(row, partition) {
					continue
				}
				if err := fn(row); err != nil {
					rows.Close()
					return err
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return fmt.Errorf("geosplit: scanning %s: %w", d.Name(), err)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (d *ParquetDataset) matches(row Row, partition string) bool {
	if partition == "" {
		return true
	}
	if d.partitionCol == "" {
		return partition == Unassigned
	}
	value, ok := row[d.partitionCol].(string)
	if !ok || value == "" {
		return partition == Unassigned
	}
	return value == partition
}

// leafNames maps leaf column index to column name for flat schemas.
func leafNames(schema *parquet.Schema) []string {
	paths := schema.Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p[len(p)-1]
	}
	return names
}

// stringColumns reports which columns carry UTF8 string values, so byte
// arrays can be surfaced as Go strings instead of raw bytes.
func stringColumns(schema *parquet.Schema) map[string]bool {
	out := map[string]bool{}
	for _, f := range schema.Fields() {
		lt := f.Type().LogicalType()
		if lt != nil && lt.UTF8 != nil {
			out[f.Name()] = true
		}
	}
	return out
}

// goValue converts a parquet value to its Go representation. Byte arrays
// are copied out of the decoder's buffer.
func goValue(v parquet.Value, isString bool) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return v.Int32()
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return v.Float()
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		if isString {
			return v.String()
		}
		data := make([]byte, len(v.ByteArray()))
		copy(data, v.ByteArray())
		return data
	default:
		return v.String()
	}
}
