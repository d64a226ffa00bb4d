package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/steveyegge/docsync/internal/model"
)

// plainValue converts v into YAML-friendly Go values.
func plainValue(v model.Value) any {
	switch v.Kind() {
	case model.KindNull:
		return nil
	case model.KindBoolean:
		return v.BoolValue()
	case model.KindInteger:
		return v.IntValue()
	case model.KindDouble:
		return v.DoubleValue()
	case model.KindString:
		return v.StringValue()
	case model.KindBytes:
		return v.BytesValue()
	case model.KindTimestamp:
		return v.TimestampValue().Time()
	case model.KindServerTimestamp:
		return "<pending server timestamp>"
	case model.KindReference:
		return "/" + v.ReferenceValue().String()
	case model.KindGeoPoint:
		g := v.GeoPointValue()
		return map[string]float64{"latitude": g.Latitude, "longitude": g.Longitude}
	case model.KindVector:
		return v.VectorValue()
	case model.KindArray:
		out := make([]any, 0, v.Len())
		for i := range v.Len() {
			out = append(out, plainValue(v.Index(i)))
		}
		return out
	case model.KindMap:
		fields := v.MapValue()
		out := make(map[string]any, len(fields))
		for k, f := range fields {
			out[k] = plainValue(f)
		}
		return out
	}
	return v.String()
}

// documentEntry is how the document commands print a document.
type documentEntry struct {
	Key     string         `yaml:"key" json:"key"`
	Exists  bool           `yaml:"exists" json:"exists"`
	Version string         `yaml:"version" json:"version"`
	Pending bool           `yaml:"pending_writes,omitempty" json:"pendingWrites,omitempty"`
	Data    map[string]any `yaml:"data,omitempty" json:"data,omitempty"`
}

func entryOf(doc *model.Document) documentEntry {
	e := documentEntry{
		Key:     doc.Key().String(),
		Exists:  doc.IsFoundDocument(),
		Version: formatVersion(doc.Version()),
		Pending: doc.HasPendingWrites(),
	}
	if e.Exists {
		e.Data, _ = plainValue(doc.Data().Value()).(map[string]any)
	}
	return e
}

func formatVersion(v model.SnapshotVersion) string {
	if v.IsMin() {
		return ""
	}
	return v.Timestamp().Time().Format(time.RFC3339Nano)
}

// parseObject reads document data from JSON. Whole numbers become
// integers.
func parseObject(raw string) (*model.ObjectValue, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse document data: %w", err)
	}
	fields := make(map[string]model.Value, len(m))
	for k, v := range m {
		val, err := valueOf(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = val
	}
	return model.ObjectValueOf(fields), nil
}

func valueOf(v any) (model.Value, error) {
	switch x := v.(type) {
	case nil:
		return model.Null(), nil
	case bool:
		return model.Bool(x), nil
	case string:
		return model.String(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return model.Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return model.Value{}, err
		}
		return model.Double(f), nil
	case []any:
		elems := make([]model.Value, 0, len(x))
		for _, e := range x {
			ev, err := valueOf(e)
			if err != nil {
				return model.Value{}, err
			}
			elems = append(elems, ev)
		}
		return model.Array(elems...), nil
	case map[string]any:
		fields := make(map[string]model.Value, len(x))
		for _, k := range slices.Sorted(maps.Keys(x)) {
			fv, err := valueOf(x[k])
			if err != nil {
				return model.Value{}, err
			}
			fields[k] = fv
		}
		return model.Map(fields), nil
	}
	return model.Value{}, fmt.Errorf("unsupported value %T", v)
}
