package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
)

// unmarshalColumn converts a value scanned from SQLite into the Value
// for a property type. SQLite hands back int64 for INTEGER columns
// (including booleans) and string or []byte for TEXT.
func unmarshalColumn(t entity.Type, raw any) (ir.Value, error) {
	if raw == nil {
		return ir.Null{}, nil
	}
	switch t {
	case entity.TypeInt:
		switch v := raw.(type) {
		case int64:
			return ir.Int(v), nil
		case []byte:
			return parseInt(string(v))
		case string:
			return parseInt(v)
		}
	case entity.TypeBool:
		switch v := raw.(type) {
		case int64:
			return ir.Bool(v != 0), nil
		case bool:
			return ir.Bool(v), nil
		}
	case entity.TypeString:
		switch v := raw.(type) {
		case string:
			return ir.String(v), nil
		case []byte:
			return ir.String(v), nil
		case int64:
			return ir.String(strconv.FormatInt(v, 10)), nil
		}
	case entity.TypeTime:
		switch v := raw.(type) {
		case string:
			return ir.String(v), nil
		case []byte:
			return ir.String(v), nil
		case time.Time:
			return ir.String(v.UTC().Format(time.RFC3339Nano)), nil
		}
	}
	return nil, fmt.Errorf("cannot read %T as %s", raw, t)
}

func parseInt(s string) (ir.Value, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse int %q: %w", s, err)
	}
	return ir.Int(n), nil
}

// unmarshalRow builds a nested record from one result row. Nested records
// whose every value is null collapse to Null, which is how a missing
// association arrives through a LEFT JOIN or a null foreign key.
func unmarshalRow(desc *entity.Descriptor, columns []entity.Path, raw []any) (ir.Record, error) {
	rec := ir.Record{}
	for i, path := range columns {
		prop, err := desc.Resolve(path)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", path, err)
		}
		v, err := unmarshalColumn(prop.Type, raw[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", path, err)
		}
		put(rec, path, v)
	}
	collapseNulls(rec)
	return rec, nil
}

func put(rec ir.Record, path entity.Path, v ir.Value) {
	cur := rec
	for _, name := range path[:len(path)-1] {
		next, ok := cur[name].(ir.Record)
		if !ok {
			next = ir.Record{}
			cur[name] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = v
}

// collapseNulls replaces all-null nested records with Null and reports
// whether rec itself is all null.
func collapseNulls(rec ir.Record) bool {
	allNull := true
	for k, v := range rec {
		if nested, ok := v.(ir.Record); ok {
			if collapseNulls(nested) {
				rec[k] = ir.Null{}
				continue
			}
			allNull = false
			continue
		}
		if !ir.IsNull(v) {
			allNull = false
		}
	}
	return allNull
}
