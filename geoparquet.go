package geosplit

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"
)

// GeoParquet file-level metadata constants.
const (
	// GeoMetadataKey is the parquet key/value metadata key holding the
	// GeoParquet metadata block.
	GeoMetadataKey = "geo"

	// GeoParquetVersion is the metadata specification version written.
	GeoParquetVersion = "1.0.0"

	// EncodingWKB is the only geometry encoding this package emits.
	EncodingWKB = "WKB"
)

// GeoMetadata is the GeoParquet file-level metadata block, persisted as
// JSON under the "geo" key in the parquet footer.
type GeoMetadata struct {
	Version       string                     `json:"version"`
	PrimaryColumn string                     `json:"primary_column"`
	Columns       map[string]*GeometryColumn `json:"columns"`
}

// GeometryColumn describes one geometry column in the metadata block. The
// geometry-type list and bounding box summarize the rows actually written,
// never assumed or stale values.
type GeometryColumn struct {
	Encoding      string    `json:"encoding"`
	GeometryTypes []string  `json:"geometry_types"`
	CRS           *NamedCRS `json:"crs,omitempty"`
	Bounds        []float64 `json:"bbox,omitempty"`
}

// NamedCRS is the GeoParquet CRS descriptor, referencing the coordinate
// reference system by authority code.
type NamedCRS struct {
	Type       string        `json:"type"`
	Properties CRSProperties `json:"properties"`
}

// CRSProperties holds the authority:code name of a NamedCRS.
type CRSProperties struct {
	Name string `json:"name"`
}

// Primary returns the metadata of the primary geometry column, or nil when
// the block is malformed.
func (m *GeoMetadata) Primary() *GeometryColumn {
	if m == nil || m.Columns == nil {
		return nil
	}
	return m.Columns[m.PrimaryColumn]
}

// Encode renders the metadata block as canonical JSON. Map keys are
// emitted sorted, so identical inputs produce byte-identical output.
func (m *GeoMetadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("geosplit: encoding geo metadata: %w", err)
	}
	return string(data), nil
}

// DecodeGeoMetadata parses a metadata block and validates its invariants:
// the primary column must be described and must use WKB encoding.
func DecodeGeoMetadata(s string) (*GeoMetadata, error) {
	var m GeoMetadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("geosplit: decoding geo metadata: %w", err)
	}
	col := m.Primary()
	if col == nil {
		return nil, fmt.Errorf("geosplit: geo metadata does not describe primary column %q", m.PrimaryColumn)
	}
	if col.Encoding != EncodingWKB {
		return nil, fmt.Errorf("geosplit: unsupported geometry encoding %q", col.Encoding)
	}
	return &m, nil
}

// ReadGeoMetadata extracts the GeoParquet metadata block from an open
// parquet file. ok is false when the file carries no "geo" key, i.e. it is
// plain parquet.
func ReadGeoMetadata(f *parquet.File) (*GeoMetadata, bool, error) {
	raw, ok := f.Lookup(GeoMetadataKey)
	if !ok {
		return nil, false, nil
	}
	m, err := DecodeGeoMetadata(raw)
	if err != nil {
		return nil, true, err
	}
	return m, true, nil
}

// DeclaredCRS returns the CRS named by the metadata's primary column.
func (m *GeoMetadata) DeclaredCRS() (CRS, bool) {
	col := m.Primary()
	if col == nil || col.CRS == nil {
		return CRS{}, false
	}
	crs, err := ParseCRS(col.CRS.Properties.Name)
	if err != nil {
		return CRS{}, false
	}
	return crs, true
}

// geoExtent accumulates the bounding box and distinct geometry-type set of
// the rows written to one geometry file.
type geoExtent struct {
	bound orb.Bound
	types map[string]bool
	rows  int64
}

func newGeoExtent() *geoExtent {
	return &geoExtent{types: map[string]bool{}}
}

func (e *geoExtent) add(g orb.Geometry) {
	if e.rows == 0 {
		e.bound = g.Bound()
	} else {
		e.bound = e.bound.Union(g.Bound())
	}
	e.types[g.GeoJSONType()] = true
	e.rows++
}

// metadata builds the GeoParquet block summarizing the accumulated rows.
// An empty extent yields an empty geometry-type list and no bbox.
func (e *geoExtent) metadata(column string, crs CRS) *GeoMetadata {
	names := make([]string, 0, len(e.types))
	for t := range e.types {
		names = append(names, t)
	}
	sort.Strings(names)

	col := &GeometryColumn{
		Encoding:      EncodingWKB,
		GeometryTypes: names,
		CRS: &NamedCRS{
			Type:       "name",
			Properties: CRSProperties{Name: crs.String()},
		},
	}
	if e.rows > 0 {
		col.Bounds = []float64{e.bound.Min[0], e.bound.Min[1], e.bound.Max[0], e.bound.Max[1]}
	}

	return &GeoMetadata{
		Version:       GeoParquetVersion,
		PrimaryColumn: column,
		Columns:       map[string]*GeometryColumn{column: col},
	}
}
