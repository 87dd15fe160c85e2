package geosplit

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

var testPolygon = orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}

func mustWKB(t *testing.T, g orb.Geometry) []byte {
	t.Helper()
	data, err := wkb.Marshal(g)
	if err != nil {
		t.Fatalf("wkb.Marshal failed: %v", err)
	}
	return data
}

// gpkgWrap prefixes WKB with a GeoPackage binary header: magic, version,
// flags (little-endian, no envelope) and srs_id.
func gpkgWrap(data []byte, srs int32) []byte {
	header := make([]byte, 8)
	header[0], header[1] = 'G', 'P'
	header[3] = 0x01
	binary.LittleEndian.PutUint32(header[4:8], uint32(srs))
	return append(header, data...)
}

func TestStrictWKBDecoder(t *testing.T) {
	var dec StrictWKBDecoder

	g, err := dec.Decode(mustWKB(t, testPolygon))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("expected %v, got %v", testPolygon, g)
	}

	if _, err := dec.Decode("POLYGON((0 0,1 0,1 1,0 0))"); err == nil {
		t.Error("expected error for string input")
	}
	if _, err := dec.Decode(gpkgWrap(mustWKB(t, testPolygon), 4326)); err == nil {
		t.Error("expected error for GeoPackage-wrapped input")
	}
}

func TestFallbackDecoder_WKB(t *testing.T) {
	var dec FallbackDecoder
	g, err := dec.Decode(mustWKB(t, testPolygon))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("expected %v, got %v", testPolygon, g)
	}
}

func TestFallbackDecoder_GeoPackage(t *testing.T) {
	var dec FallbackDecoder
	g, err := dec.Decode(gpkgWrap(mustWKB(t, testPolygon), 4326))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("GeoPackage-wrapped WKB should decode to the same geometry, got %v", g)
	}
}

func TestFallbackDecoder_WKT(t *testing.T) {
	var dec FallbackDecoder
	g, err := dec.Decode("POLYGON((0 0,10 0,10 10,0 10,0 0))")
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("expected %v, got %v", testPolygon, g)
	}
}

func TestFallbackDecoder_Garbage(t *testing.T) {
	var dec FallbackDecoder
	cases := []any{
		[]byte{0xde, 0xad, 0xbe, 0xef},
		"not wkt at all",
		int64(7),
	}
	for _, raw := range cases {
		if _, err := dec.Decode(raw); err == nil {
			t.Errorf("expected error for %v", raw)
		}
	}
}

func TestGpkgPayload(t *testing.T) {
	data := mustWKB(t, testPolygon)

	payload, ok := gpkgPayload(gpkgWrap(data, 4326))
	if !ok {
		t.Fatal("expected GeoPackage header to be recognized")
	}
	if !reflect.DeepEqual(payload, data) {
		t.Error("payload does not match original WKB")
	}

	if _, ok := gpkgPayload(data); ok {
		t.Error("plain WKB must not be mistaken for GeoPackage")
	}
	if _, ok := gpkgPayload([]byte("GP")); ok {
		t.Error("truncated header must be rejected")
	}
}

func TestGpkgSRSID(t *testing.T) {
	srs, ok := gpkgSRSID(gpkgWrap(mustWKB(t, testPolygon), 3857))
	if !ok {
		t.Fatal("expected GeoPackage header to be recognized")
	}
	if srs != 3857 {
		t.Errorf("expected srs 3857, got %d", srs)
	}
}

func TestNormalizer_BinaryTakesPriority(t *testing.T) {
	opts := DefaultOptions()
	layout := &Layout{
		JoinKey:         "PARCEL_LID",
		GeometryColumns: []string{"geometry", "geometry_wkt"},
	}
	norm := NewNormalizer(layout, WGS84(), opts)

	// Both representations present; the textual one describes a different
	// shape and must be ignored.
	row := Row{
		"geometry":     mustWKB(t, testPolygon),
		"geometry_wkt": "POINT(99 99)",
	}
	g, err := norm.Normalize("parcels.parquet", "x1", row)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("expected the binary column to win, got %v", g)
	}
}

func TestNormalizer_TextualFallback(t *testing.T) {
	opts := DefaultOptions()
	layout := &Layout{
		JoinKey:         "PARCEL_LID",
		GeometryColumns: []string{"geometry", "geometry_wkt"},
	}
	norm := NewNormalizer(layout, WGS84(), opts)

	row := Row{"geometry_wkt": "POLYGON((0 0,10 0,10 10,0 10,0 0))"}
	g, err := norm.Normalize("parcels.parquet", "x1", row)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !reflect.DeepEqual(g, testPolygon) {
		t.Errorf("expected %v, got %v", testPolygon, g)
	}
}

func TestNormalizer_ParseError(t *testing.T) {
	opts := DefaultOptions()
	layout := &Layout{JoinKey: "PARCEL_LID", GeometryColumns: []string{"geometry"}}
	norm := NewNormalizer(layout, WGS84(), opts)

	_, err := norm.Normalize("parcels.parquet", "x1", Row{"geometry": []byte{0x00}})
	var perr *GeometryParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *GeometryParseError, got %v", err)
	}
	if perr.File != "parcels.parquet" || perr.JoinKey != "x1" {
		t.Errorf("error must name file and row: %v", perr)
	}
}

func TestNormalizer_NoGeometryValue(t *testing.T) {
	opts := DefaultOptions()
	layout := &Layout{JoinKey: "PARCEL_LID", GeometryColumns: []string{"geometry"}}
	norm := NewNormalizer(layout, WGS84(), opts)

	_, err := norm.Normalize("parcels.parquet", "x1", Row{"OWNER": "someone"})
	if !errors.Is(err, ErrNoGeometry) {
		t.Fatalf("expected ErrNoGeometry, got %v", err)
	}
}

func TestResolveCRS_Fallback(t *testing.T) {
	opts := DefaultOptions()
	opts.FallbackCRS = CRS{Authority: "EPSG", Code: 2992}

	if crs := ResolveCRS("f.parquet", CRS{Authority: "EPSG", Code: 4326}, true, opts); crs.Code != 4326 {
		t.Errorf("declared CRS must win, got %v", crs)
	}
	if crs := ResolveCRS("f.parquet", CRS{}, false, opts); crs.Code != 2992 {
		t.Errorf("expected fallback CRS, got %v", crs)
	}
}

func TestParseCRS(t *testing.T) {
	crs, err := ParseCRS("EPSG:4326")
	if err != nil {
		t.Fatalf("ParseCRS failed: %v", err)
	}
	if crs.Authority != "EPSG" || crs.Code != 4326 {
		t.Errorf("unexpected CRS %+v", crs)
	}
	if crs.String() != "EPSG:4326" {
		t.Errorf("expected EPSG:4326, got %s", crs.String())
	}

	for _, bad := range []string{"", "EPSG", "EPSG:abc", ":4326"} {
		if _, err := ParseCRS(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
