package geosplit

import (
	"errors"
	"reflect"
	"testing"
)

func TestClassifySchema_FourDisjointSets(t *testing.T) {
	opts := DefaultOptions()
	columns := []string{
		"PARCEL_LID", "COUNTY", "geometry", "geometry_wkt",
		"minx", "miny", "maxx", "maxy", "geom_type",
		"OWNER", "ACRES",
	}

	layout, err := ClassifySchema("parcels.parquet", columns, true, opts)
	if err != nil {
		t.Fatalf("ClassifySchema failed: %v", err)
	}

	if layout.JoinKey != "PARCEL_LID" {
		t.Errorf("join key: expected PARCEL_LID, got %q", layout.JoinKey)
	}
	if layout.PartitionKey != "COUNTY" {
		t.Errorf("partition key: expected COUNTY, got %q", layout.PartitionKey)
	}
	if expected := []string{"geometry", "geometry_wkt"}; !reflect.DeepEqual(layout.GeometryColumns, expected) {
		t.Errorf("geometry columns: expected %v, got %v", expected, layout.GeometryColumns)
	}
	if expected := []string{"minx", "miny", "maxx", "maxy", "geom_type"}; !reflect.DeepEqual(layout.Dropped, expected) {
		t.Errorf("dropped columns: expected %v, got %v", expected, layout.Dropped)
	}
	if expected := []string{"OWNER", "ACRES"}; !reflect.DeepEqual(layout.Attributes, expected) {
		t.Errorf("attributes: expected %v, got %v", expected, layout.Attributes)
	}
}

func TestClassifySchema_BinaryBeforeTextual(t *testing.T) {
	opts := DefaultOptions()
	// Column order in the source must not affect decode priority.
	columns := []string{"wkt", "geometry_wkt", "PARCEL_LID", "geometry"}

	layout, err := ClassifySchema("parcels.parquet", columns, true, opts)
	if err != nil {
		t.Fatalf("ClassifySchema failed: %v", err)
	}
	expected := []string{"geometry", "geometry_wkt", "wkt"}
	if !reflect.DeepEqual(layout.GeometryColumns, expected) {
		t.Errorf("expected priority order %v, got %v", expected, layout.GeometryColumns)
	}
}

func TestClassifySchema_MissingJoinKey(t *testing.T) {
	opts := DefaultOptions()
	_, err := ClassifySchema("parcels.parquet", []string{"COUNTY", "geometry"}, true, opts)

	var serr *SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SchemaError, got %v", err)
	}
	if serr.File != "parcels.parquet" {
		t.Errorf("expected file in error, got %q", serr.File)
	}
}

func TestClassifySchema_MissingGeometry(t *testing.T) {
	opts := DefaultOptions()
	columns := []string{"PARCEL_LID", "COUNTY", "OWNER"}

	if _, err := ClassifySchema("parcels.parquet", columns, true, opts); err == nil {
		t.Fatal("expected error when geometry is required but absent")
	}

	// The same columns are fine for an attributes-only side file.
	layout, err := ClassifySchema("orphans.parquet", columns, false, opts)
	if err != nil {
		t.Fatalf("ClassifySchema failed: %v", err)
	}
	if layout.HasGeometry() {
		t.Error("expected HasGeometry to be false")
	}
}

func TestClassifySchema_NoPartitionColumn(t *testing.T) {
	opts := DefaultOptions()
	layout, err := ClassifySchema("orphans.parquet", []string{"PARCEL_LID", "OWNER"}, false, opts)
	if err != nil {
		t.Fatalf("ClassifySchema failed: %v", err)
	}
	if layout.HasPartitionKey() {
		t.Error("expected HasPartitionKey to be false")
	}
}

func TestLayout_AttributeColumns(t *testing.T) {
	layout := &Layout{
		JoinKey:      "PARCEL_LID",
		PartitionKey: "COUNTY",
		Attributes:   []string{"OWNER", "ACRES"},
	}
	expected := []string{"PARCEL_LID", "COUNTY", "OWNER", "ACRES"}
	if got := layout.AttributeColumns(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}

	layout.PartitionKey = ""
	expected = []string{"PARCEL_LID", "OWNER", "ACRES"}
	if got := layout.AttributeColumns(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected %v, got %v", expected, got)
	}
}
