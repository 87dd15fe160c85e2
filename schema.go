package geosplit

// Layout is the result of classifying a source file's columns into four
// disjoint sets: geometry-derived columns, the join key, the partition key
// and retained attributes.
type Layout struct {
	// JoinKey is the unique-per-feature identifier column.
	JoinKey string

	// PartitionKey is the split column, or "" when the file has none.
	PartitionKey string

	// GeometryColumns are the geometry-bearing columns present, in
	// decode-priority order (binary before textual).
	GeometryColumns []string

	// Dropped are geometry-derived view columns excluded from all
	// outputs: textual geometry, axis extents, type flags and friends.
	Dropped []string

	// Attributes are the retained non-spatial columns in source order,
	// excluding the join key and partition key.
	Attributes []string
}

// HasGeometry reports whether any geometry source column is present.
func (l *Layout) HasGeometry() bool { return len(l.GeometryColumns) > 0 }

// HasPartitionKey reports whether the file carries the partition column.
func (l *Layout) HasPartitionKey() bool { return l.PartitionKey != "" }

// AttributeColumns returns the columns of the attributes file: the join
// key followed by the retained attributes, with the partition key kept so
// downstream consumers can still group by it.
func (l *Layout) AttributeColumns() []string {
	cols := make([]string, 0, len(l.Attributes)+2)
	cols = append(cols, l.JoinKey)
	if l.PartitionKey != "" {
		cols = append(cols, l.PartitionKey)
	}
	cols = append(cols, l.Attributes...)
	return cols
}

// ClassifySchema partitions a source file's column names by role. It is a
// pure function over the column list. requireGeometry should be true for
// the primary parcel file, which must carry a geometry source; attribute
// only side files (orphan assessments) pass false.
//
// It fails with *SchemaError when the join key is absent, or when
// requireGeometry is set and no geometry source column can be identified.
func ClassifySchema(file string, columns []string, requireGeometry bool, opts *Options) (*Layout, error) {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}

	if !present[opts.JoinKey] {
		return nil, &SchemaError{File: file, Msg: "join key column " + opts.JoinKey + " not present"}
	}

	layout := &Layout{JoinKey: opts.JoinKey}
	if present[opts.PartitionKey] {
		layout.PartitionKey = opts.PartitionKey
	}

	if present[opts.GeometryColumn] {
		layout.GeometryColumns = append(layout.GeometryColumns, opts.GeometryColumn)
	}
	for _, c := range opts.TextGeometryColumns {
		if present[c] {
			layout.GeometryColumns = append(layout.GeometryColumns, c)
		}
	}
	if requireGeometry && len(layout.GeometryColumns) == 0 {
		return nil, &SchemaError{File: file, Msg: "no geometry source column found"}
	}

	// Derived views (axis extents, type flags, ...) are re-derivable from
	// the geometry and never survive into output files.
	derived := make(map[string]bool, len(opts.DerivedColumns))
	for _, c := range opts.DerivedColumns {
		derived[c] = true
	}
	geometry := make(map[string]bool, len(layout.GeometryColumns))
	for _, c := range layout.GeometryColumns {
		geometry[c] = true
	}

	for _, c := range columns {
		switch {
		case c == opts.JoinKey, c == layout.PartitionKey, geometry[c]:
		case derived[c]:
			layout.Dropped = append(layout.Dropped, c)
		default:
			layout.Attributes = append(layout.Attributes, c)
		}
	}

	return layout, nil
}
