package geosplit

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	flatgeobuf "github.com/flatgeobuf/flatgeobuf/src/go"
	"github.com/flatgeobuf/flatgeobuf/src/go/flattypes"
	fgbwriter "github.com/flatgeobuf/flatgeobuf/src/go/writer"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// The FlatGeobuf geometry file carries exactly one property column: the
// join key, as a string, at column index zero.
const fgbJoinKeyColumn = 0

// writeFlatGeobufFile writes geometry rows (join key + canonical WKB) as a
// FlatGeobuf file with a spatial index. The header carries the layer name
// (the partition key), the CRS authority and code, and the join-key column
// schema.
func writeFlatGeobufFile(path, layer, joinKey, geometryColumn string, rows []Row, crs CRS) error {
	keys := make([]string, len(rows))
	geoms := make([]orb.Geometry, len(rows))
	for i, row := range rows {
		data, ok := row[geometryColumn].([]byte)
		if !ok {
			return fmt.Errorf("geosplit: geometry row %d has no WKB value", i)
		}
		g, err := wkb.Unmarshal(data)
		if err != nil {
			return fmt.Errorf("geosplit: decoding canonical WKB for FlatGeobuf output: %w", err)
		}
		if fgbGeometryType(g) == flattypes.GeometryTypeUnknown {
			return fmt.Errorf("geosplit: geometry type %s not supported by FlatGeobuf output", g.GeoJSONType())
		}
		geoms[i] = g
		keys[i] = fmt.Sprintf("%v", row[joinKey])
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encodeFlatGeobuf(f, layer, joinKey, keys, geoms, crs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeFlatGeobuf(w io.Writer, layer, joinKey string, keys []string, geoms []orb.Geometry, crs CRS) error {
	builder := flatbuffers.NewBuilder(4096)

	header := fgbwriter.NewHeader(builder)
	header.SetName(layer)
	header.SetGeometryType(uniformGeometryType(geoms))

	col := fgbwriter.NewColumn(builder)
	col.SetName(joinKey)
	col.SetTitle(joinKey)
	col.SetType(flattypes.ColumnTypeString)
	col.SetNullable(false)
	header.SetColumns([]*fgbwriter.Column{col})

	if !crs.IsZero() {
		c := fgbwriter.NewCrs(builder)
		c.SetOrg(crs.Authority)
		c.SetCode(int32(crs.Code))
		header.SetCrs(c)
	}

	gen := &keyedFeatureGenerator{keys: keys, geoms: geoms}
	fw := fgbwriter.NewWriter(header, true, gen, nil)
	_, err := fw.Write(w)
	return err
}

// uniformGeometryType returns the shared geometry type of the rows, or
// Unknown when the file mixes types.
func uniformGeometryType(geoms []orb.Geometry) flattypes.GeometryType {
	if len(geoms) == 0 {
		return flattypes.GeometryTypeUnknown
	}
	t := fgbGeometryType(geoms[0])
	for _, g := range geoms[1:] {
		if fgbGeometryType(g) != t {
			return flattypes.GeometryTypeUnknown
		}
	}
	return t
}

// keyedFeatureGenerator feeds (join key, geometry) pairs to the FlatGeobuf
// writer one feature at a time.
type keyedFeatureGenerator struct {
	keys  []string
	geoms []orb.Geometry
	index int
}

func (g *keyedFeatureGenerator) Generate() *fgbwriter.Feature {
	if g.index >= len(g.geoms) {
		return nil
	}
	geom := g.geoms[g.index]
	key := g.keys[g.index]
	g.index++

	builder := flatbuffers.NewBuilder(1024)
	fg := fgbGeometry(geom, builder)
	if fg == nil {
		// Unsupported types were rejected before generation started.
		return g.Generate()
	}

	feature := fgbwriter.NewFeature(builder)
	feature.SetGeometry(fg)
	feature.SetProperties(encodeJoinKeyProperty(key))
	return feature
}

// encodeJoinKeyProperty encodes the single string property: little-endian
// uint16 column index, uint32 byte length, then the UTF-8 bytes.
func encodeJoinKeyProperty(key string) []byte {
	buf := make([]byte, 6+len(key))
	binary.LittleEndian.PutUint16(buf[0:2], fgbJoinKeyColumn)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(key)))
	copy(buf[6:], key)
	return buf
}

func decodeJoinKeyProperty(data []byte) (string, bool) {
	if len(data) < 6 || binary.LittleEndian.Uint16(data[0:2]) != fgbJoinKeyColumn {
		return "", false
	}
	n := int(binary.LittleEndian.Uint32(data[2:6]))
	if len(data) < 6+n {
		return "", false
	}
	return string(data[6 : 6+n]), true
}

func fgbGeometryType(g orb.Geometry) flattypes.GeometryType {
	switch g.(type) {
	case orb.Point:
		return flattypes.GeometryTypePoint
	case orb.MultiPoint:
		return flattypes.GeometryTypeMultiPoint
	case orb.LineString:
		return flattypes.GeometryTypeLineString
	case orb.MultiLineString:
		return flattypes.GeometryTypeMultiLineString
	case orb.Ring, orb.Polygon:
		return flattypes.GeometryTypePolygon
	case orb.MultiPolygon:
		return flattypes.GeometryTypeMultiPolygon
	default:
		return flattypes.GeometryTypeUnknown
	}
}

// fgbGeometry converts an orb geometry to the FlatGeobuf writer form.
// Coordinates flatten to an xy slice; multi-ring shapes carry cumulative
// ring ends.
func fgbGeometry(g orb.Geometry, builder *flatbuffers.Builder) *fgbwriter.Geometry {
	out := fgbwriter.NewGeometry(builder)

	switch v := g.(type) {
	case orb.Point:
		out.SetType(flattypes.GeometryTypePoint)
		out.SetXY([]float64{v[0], v[1]})

	case orb.MultiPoint:
		out.SetType(flattypes.GeometryTypeMultiPoint)
		out.SetXY(flatXY(v))

	case orb.LineString:
		out.SetType(flattypes.GeometryTypeLineString)
		out.SetXY(flatXY(v))

	case orb.MultiLineString:
		out.SetType(flattypes.GeometryTypeMultiLineString)
		xy, ends := flatXYEnds(lineLengths(v), func(i int) []orb.Point { return v[i] })
		out.SetXY(xy)
		out.SetEnds(ends)

	case orb.Ring:
		out.SetType(flattypes.GeometryTypePolygon)
		out.SetXY(flatXY(v))
		out.SetEnds([]uint32{uint32(len(v))})

	case orb.Polygon:
		out.SetType(flattypes.GeometryTypePolygon)
		xy, ends := flatXYEnds(ringLengths(v), func(i int) []orb.Point { return v[i] })
		out.SetXY(xy)
		out.SetEnds(ends)

	case orb.MultiPolygon:
		out.SetType(flattypes.GeometryTypeMultiPolygon)
		parts := make([]fgbwriter.Geometry, 0, len(v))
		for _, poly := range v {
			part := fgbwriter.NewGeometry(builder)
			part.SetType(flattypes.GeometryTypePolygon)
			xy, ends := flatXYEnds(ringLengths(poly), func(i int) []orb.Point { return poly[i] })
			part.SetXY(xy)
			part.SetEnds(ends)
			parts = append(parts, *part)
		}
		out.SetParts(parts)

	default:
		return nil
	}

	return out
}

func flatXY(points []orb.Point) []float64 {
	xy := make([]float64, 0, len(points)*2)
	for _, p := range points {
		xy = append(xy, p[0], p[1])
	}
	return xy
}

func flatXYEnds(lengths []int, part func(int) []orb.Point) ([]float64, []uint32) {
	total := 0
	for _, n := range lengths {
		total += n
	}
	xy := make([]float64, 0, total*2)
	ends := make([]uint32, 0, len(lengths))
	var cumulative uint32
	for i, n := range lengths {
		for _, p := range part(i) {
			xy = append(xy, p[0], p[1])
		}
		cumulative += uint32(n)
		ends = append(ends, cumulative)
	}
	return xy, ends
}

func lineLengths(mls orb.MultiLineString) []int {
	out := make([]int, len(mls))
	for i, ls := range mls {
		out[i] = len(ls)
	}
	return out
}

func ringLengths(poly orb.Polygon) []int {
	out := make([]int, len(poly))
	for i, r := range poly {
		out[i] = len(r)
	}
	return out
}

// readFlatGeobufFile reads back a geometry file written by
// writeFlatGeobufFile, returning join keys and geometries in index order.
// It relies on the spatial index the writer always includes.
func readFlatGeobufFile(path string) ([]string, []orb.Geometry, error) {
	fgb, err := flatgeobuf.New(path)
	if err != nil {
		return nil, nil, err
	}

	h := fgb.Header()
	if h == nil || h.FeaturesCount() == 0 {
		return nil, nil, nil
	}
	if h.EnvelopeLength() < 4 {
		return nil, nil, fmt.Errorf("geosplit: FlatGeobuf file %s has no envelope", path)
	}

	features, err := fgb.Search(h.Envelope(0), h.Envelope(1), h.Envelope(2), h.Envelope(3))
	if err != nil {
		return nil, nil, err
	}

	keys := make([]string, 0, len(features))
	geoms := make([]orb.Geometry, 0, len(features))
	for _, ft := range features {
		var geomObj flattypes.Geometry
		fg := ft.Geometry(&geomObj)
		if fg == nil {
			continue
		}
		g := orbGeometry(fg)
		if g == nil {
			continue
		}

		propsLen := ft.PropertiesLength()
		props := make([]byte, propsLen)
		for i := 0; i < propsLen; i++ {
			props[i] = byte(ft.Properties(i))
		}
		key, _ := decodeJoinKeyProperty(props)

		keys = append(keys, key)
		geoms = append(geoms, g)
	}
	return keys, geoms, nil
}

// orbGeometry converts a FlatGeobuf geometry back to its orb form.
func orbGeometry(fg *flattypes.Geometry) orb.Geometry {
	switch fg.Type() {
	case flattypes.GeometryTypePoint:
		pts := fgbPoints(fg)
		if len(pts) == 0 {
			return nil
		}
		return pts[0]
	case flattypes.GeometryTypeMultiPoint:
		return orb.MultiPoint(fgbPoints(fg))
	case flattypes.GeometryTypeLineString:
		return orb.LineString(fgbPoints(fg))
	case flattypes.GeometryTypeMultiLineString:
		parts := fgbPointParts(fg)
		mls := make(orb.MultiLineString, len(parts))
		for i, p := range parts {
			mls[i] = orb.LineString(p)
		}
		return mls
	case flattypes.GeometryTypePolygon:
		parts := fgbPointParts(fg)
		poly := make(orb.Polygon, len(parts))
		for i, p := range parts {
			poly[i] = orb.Ring(p)
		}
		return poly
	case flattypes.GeometryTypeMultiPolygon:
		n := fg.PartsLength()
		mp := make(orb.MultiPolygon, 0, n)
		for i := 0; i < n; i++ {
			var part flattypes.Geometry
			if fg.Parts(&part, i) {
				if poly, ok := orbGeometry(&part).(orb.Polygon); ok {
					mp = append(mp, poly)
				}
			}
		}
		return mp
	default:
		return nil
	}
}

func fgbPoints(fg *flattypes.Geometry) []orb.Point {
	n := fg.XyLength()
	pts := make([]orb.Point, 0, n/2)
	for i := 0; i+1 < n; i += 2 {
		pts = append(pts, orb.Point{fg.Xy(i), fg.Xy(i + 1)})
	}
	return pts
}

// fgbPointParts splits the flat xy slice at the cumulative ring ends. A
// missing ends array means a single part.
func fgbPointParts(fg *flattypes.Geometry) [][]orb.Point {
	pts := fgbPoints(fg)
	endsLen := fg.EndsLength()
	if endsLen == 0 {
		if len(pts) == 0 {
			return nil
		}
		return [][]orb.Point{pts}
	}

	parts := make([][]orb.Point, 0, endsLen)
	var start uint32
	for i := 0; i < endsLen; i++ {
		end := fg.Ends(i)
		if int(end) > len(pts) {
			end = uint32(len(pts))
		}
		parts = append(parts, pts[start:end])
		start = end
	}
	return parts
}
