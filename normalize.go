package geosplit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
)

// ErrNoGeometry is returned by a Normalizer when a record carries no value
// in any geometry source column.
var ErrNoGeometry = errors.New("geosplit: record has no geometry value")

// GeometryDecoder turns a single raw column value into a geometry. Two
// strategies exist: StrictWKBDecoder for clean inputs and FallbackDecoder
// for inputs where geometries arrive wrapped in a GeoPackage binary header
// or as WKT text.
type GeometryDecoder interface {
	// Decode converts one raw value ([]byte or string) to a geometry.
	Decode(value any) (orb.Geometry, error)
	// Name identifies the strategy in logs.
	Name() string
}

// StrictWKBDecoder accepts only plain WKB byte values.
type StrictWKBDecoder struct{}

func (StrictWKBDecoder) Name() string { return "wkb" }

func (StrictWKBDecoder) Decode(value any) (orb.Geometry, error) {
	data, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("geosplit: expected WKB bytes, got %T", value)
	}
	return wkb.Unmarshal(data)
}

// FallbackDecoder accepts plain WKB, GeoPackage-wrapped WKB and WKT text,
// tried in that order. This covers sources whose geometry column carries a
// binary container the plain WKB path cannot parse directly.
type FallbackDecoder struct{}

func (FallbackDecoder) Name() string { return "wkb+gpkg+wkt" }

func (FallbackDecoder) Decode(value any) (orb.Geometry, error) {
	switch v := value.(type) {
	case []byte:
		g, err := wkb.Unmarshal(v)
		if err == nil {
			return g, nil
		}
		if payload, ok := gpkgPayload(v); ok {
			return wkb.Unmarshal(payload)
		}
		return nil, err
	case string:
		return wkt.Unmarshal(v)
	default:
		return nil, fmt.Errorf("geosplit: unsupported geometry value type %T", value)
	}
}

// gpkgPayload strips a GeoPackage binary header, returning the WKB payload
// that follows it. Header layout: 2 magic bytes "GP", version, flags,
// int32 srs_id, then an optional envelope of 4, 6 or 8 float64s selected
// by flag bits 1-3. Flag bit 0 selects the byte order of srs_id.
func gpkgPayload(data []byte) ([]byte, bool) {
	if len(data) < 8 || data[0] != 'G' || data[1] != 'P' {
		return nil, false
	}
	flags := data[3]

	var envelopeValues int
	switch (flags >> 1) & 0x07 {
	case 0:
		envelopeValues = 0
	case 1:
		envelopeValues = 4
	case 2, 3:
		envelopeValues = 6
	case 4:
		envelopeValues = 8
	default:
		return nil, false
	}

	size := 8 + envelopeValues*8
	if len(data) <= size {
		return nil, false
	}
	return data[size:], true
}

// gpkgSRSID reads the srs_id from a GeoPackage binary header, honoring the
// byte-order flag. ok is false when data is not GeoPackage-wrapped.
func gpkgSRSID(data []byte) (int32, bool) {
	if len(data) < 8 || data[0] != 'G' || data[1] != 'P' {
		return 0, false
	}
	if data[3]&0x01 == 1 {
		return int32(binary.LittleEndian.Uint32(data[4:8])), true
	}
	return int32(binary.BigEndian.Uint32(data[4:8])), true
}

// Normalizer resolves one authoritative geometry per record from the
// layout's candidate columns, in priority order.
type Normalizer struct {
	decoder   GeometryDecoder
	columns   []string
	crs       CRS
	log       *slog.Logger
	warnedSRS bool
}

// ResolveCRS returns the source's declared CRS when present, otherwise the
// configured fallback. The assumption is logged, never silent. Call once
// per source file.
func ResolveCRS(file string, declared CRS, haveDeclared bool, opts *Options) CRS {
	if haveDeclared {
		return declared
	}
	opts.logger().Warn("source declares no CRS, assuming fallback",
		slog.String("file", file),
		slog.String("crs", opts.FallbackCRS.String()))
	return opts.FallbackCRS
}

// NewNormalizer builds a normalizer for one source file, expressing
// geometries in the already-resolved CRS.
func NewNormalizer(layout *Layout, crs CRS, opts *Options) *Normalizer {
	return &Normalizer{
		decoder: opts.Decoder,
		columns: layout.GeometryColumns,
		crs:     crs,
		log:     opts.logger(),
	}
}

// CRS returns the coordinate reference system geometries are expressed in.
func (n *Normalizer) CRS() CRS { return n.crs }

// Normalize returns the canonical geometry for a row, consulting the
// candidate columns in priority order. A row with values in several
// geometry columns resolves deterministically to the highest-priority one;
// lower-priority values are never consulted unless the value is absent.
func (n *Normalizer) Normalize(file, joinKey string, row map[string]any) (orb.Geometry, error) {
	for _, col := range n.columns {
		value, ok := row[col]
		if !ok || value == nil {
			continue
		}
		if data, ok := value.([]byte); ok && !n.warnedSRS {
			if srs, wrapped := gpkgSRSID(data); wrapped && int(srs) != n.crs.Code && srs > 0 {
				n.warnedSRS = true
				n.log.Warn("GeoPackage header SRS differs from declared CRS",
					slog.String("file", file),
					slog.Int("header_srs", int(srs)),
					slog.String("declared", n.crs.String()))
			}
		}
		g, err := n.decoder.Decode(value)
		if err != nil {
			return nil, &GeometryParseError{
				File:    file,
				JoinKey: joinKey,
				Raw:     truncateRaw(value),
				Err:     err,
			}
		}
		return g, nil
	}
	return nil, &GeometryParseError{File: file, JoinKey: joinKey, Err: ErrNoGeometry}
}

// truncateRaw renders a raw geometry value for error messages without
// dumping megabytes of WKB into the log.
func truncateRaw(value any) string {
	const max = 64
	var s string
	switch v := value.(type) {
	case []byte:
		s = fmt.Sprintf("%x", v)
	case string:
		s = v
	default:
		s = fmt.Sprintf("%v", v)
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
