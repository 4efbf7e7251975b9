package materialize

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"

	"github.com/chemflow/chemflow/pkg/errors"
)

type inferredType int

const (
	typeNull inferredType = iota
	typeInt64
	typeFloat64
	typeBool
	typeString
)

var nullValues = map[string]bool{
	"":     true,
	"null": true,
	"NULL": true,
	"Null": true,
	"NA":   true,
	"N/A":  true,
	"n/a":  true,
	"None": true,
	"none": true,
	"-":    true,
	"\\N":  true,
}

func isNullValue(v string) bool {
	return nullValues[strings.TrimSpace(v)]
}

// inferValueType classifies a single text value.
func inferValueType(v string) inferredType {
	v = strings.TrimSpace(v)
	if isNullValue(v) {
		return typeNull
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		return typeInt64
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return typeFloat64
	}
	switch strings.ToLower(v) {
	case "true", "false":
		return typeBool
	}
	return typeString
}

// inferColumnTypes picks a type per column by counting value
// classifications over the chunk. Mixed int and float collapses to
// float, any string forces string, all-null columns stay string.
func inferColumnTypes(headers []string, rows [][]string) []inferredType {
	counts := make([]map[inferredType]int, len(headers))
	for i := range counts {
		counts[i] = make(map[inferredType]int)
	}

	for _, row := range rows {
		for i := range headers {
			counts[i][inferValueType(row[i])]++
		}
	}

	types := make([]inferredType, len(headers))
	for i, c := range counts {
		types[i] = selectColumnType(c)
	}
	return types
}

func selectColumnType(counts map[inferredType]int) inferredType {
	if counts[typeString] > 0 {
		return typeString
	}
	if counts[typeBool] > 0 {
		if counts[typeInt64] > 0 || counts[typeFloat64] > 0 {
			return typeString
		}
		return typeBool
	}
	if counts[typeFloat64] > 0 {
		return typeFloat64
	}
	if counts[typeInt64] > 0 {
		return typeInt64
	}
	return typeString
}

func arrowType(t inferredType) arrow.DataType {
	switch t {
	case typeInt64:
		return arrow.PrimitiveTypes.Int64
	case typeFloat64:
		return arrow.PrimitiveTypes.Float64
	case typeBool:
		return arrow.FixedWidthTypes.Boolean
	default:
		return arrow.BinaryTypes.String
	}
}

// buildTextRecord converts one chunk of delimited rows into an arrow
// record, inferring the schema from the chunk itself.
func (m *Materializer) buildTextRecord(headers []string, rows [][]string) (arrow.Record, error) {
	types := inferColumnTypes(headers, rows)

	fields := make([]arrow.Field, len(headers))
	builders := make([]array.Builder, len(headers))
	for i, h := range headers {
		fields[i] = arrow.Field{Name: strings.TrimSpace(h), Type: arrowType(types[i]), Nullable: true}
		builders[i] = array.NewBuilder(m.alloc, fields[i].Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, row := range rows {
		for i := range headers {
			if err := appendTextValue(builders[i], types[i], row[i]); err != nil {
				return nil, err
			}
		}
	}

	return finishRecord(fields, builders, int64(len(rows))), nil
}

func appendTextValue(b array.Builder, t inferredType, raw string) error {
	v := strings.TrimSpace(raw)
	if isNullValue(v) {
		b.AppendNull()
		return nil
	}

	switch t {
	case typeInt64:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, errors.CodeMaterializeFailed, "parse integer value").
				WithContext("value", v)
		}
		b.(*array.Int64Builder).Append(n)
	case typeFloat64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrap(err, errors.CodeMaterializeFailed, "parse float value").
				WithContext("value", v)
		}
		b.(*array.Float64Builder).Append(f)
	case typeBool:
		b.(*array.BooleanBuilder).Append(strings.EqualFold(v, "true"))
	default:
		b.(*array.StringBuilder).Append(raw)
	}
	return nil
}

// buildObjectRecord converts a chunk of JSON objects into an arrow
// record. The schema is the sorted union of keys seen in the chunk.
// Nested values are serialized back to JSON strings.
func (m *Materializer) buildObjectRecord(objects []map[string]interface{}) (arrow.Record, error) {
	keySet := make(map[string]bool)
	for _, obj := range objects {
		for k := range obj {
			keySet[k] = true
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]arrow.Field, len(keys))
	builders := make([]array.Builder, len(keys))
	for i, k := range keys {
		fields[i] = arrow.Field{Name: k, Type: arrowType(inferObjectColumn(objects, k)), Nullable: true}
		builders[i] = array.NewBuilder(m.alloc, fields[i].Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	for _, obj := range objects {
		for i, k := range keys {
			if err := appendObjectValue(builders[i], obj[k]); err != nil {
				return nil, err
			}
		}
	}

	return finishRecord(fields, builders, int64(len(objects))), nil
}

func inferObjectColumn(objects []map[string]interface{}, key string) inferredType {
	counts := make(map[inferredType]int)
	for _, obj := range objects {
		switch v := obj[key].(type) {
		case nil:
			counts[typeNull]++
		case bool:
			counts[typeBool]++
		case float64:
			if v == math.Trunc(v) && math.Abs(v) < float64(math.MaxInt64) {
				counts[typeInt64]++
			} else {
				counts[typeFloat64]++
			}
		case string:
			counts[typeString]++
		default:
			counts[typeString]++
		}
	}
	return selectColumnType(counts)
}

func appendObjectValue(b array.Builder, v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}

	switch builder := b.(type) {
	case *array.Int64Builder:
		f, ok := v.(float64)
		if !ok {
			return errors.New(errors.CodeMaterializeFailed, "mixed types in integer column")
		}
		builder.Append(int64(f))
	case *array.Float64Builder:
		f, ok := v.(float64)
		if !ok {
			return errors.New(errors.CodeMaterializeFailed, "mixed types in float column")
		}
		builder.Append(f)
	case *array.BooleanBuilder:
		val, ok := v.(bool)
		if !ok {
			return errors.New(errors.CodeMaterializeFailed, "mixed types in boolean column")
		}
		builder.Append(val)
	case *array.StringBuilder:
		builder.Append(stringifyValue(v))
	default:
		return errors.New(errors.CodeMaterializeFailed, "unsupported column type")
	}
	return nil
}

func stringifyValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func finishRecord(fields []arrow.Field, builders []array.Builder, rows int64) arrow.Record {
	schema := arrow.NewSchema(fields, nil)
	cols := make([]arrow.Array, len(builders))
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	record := array.NewRecord(schema, cols, rows)
	for _, col := range cols {
		col.Release()
	}
	return record
}
