package rpc

import (
	"fmt"
	"strconv"

	"github.com/agor-sh/agor/internal/store"
)

// FieldType drives string coercion for query filter values.
type FieldType int

const (
	FieldString FieldType = iota
	FieldNumber
	FieldBool
)

// QuerySchema declares the filterable fields of a service and their types.
// Find queries are validated against the schema before touching the store;
// unknown keys are rejected.
type QuerySchema struct {
	Fields map[string]FieldType
}

// operators is the closed set of supported query operators.
var operators = map[string]bool{
	"$limit":  true,
	"$skip":   true,
	"$sort":   true,
	"$select": true,
}

// ValidateQuery turns a raw client query document into a store.ListQuery.
// Operator values are coerced and bounds-checked; filter values are coerced
// per the schema; anything unknown fails with ValidationFailed.
func ValidateQuery(schema *QuerySchema, raw map[string]any) (store.ListQuery, error) {
	q := store.ListQuery{Filters: make(map[string]any)}

	for key, value := range raw {
		switch {
		case key == "$limit":
			n, err := coerceInt(value)
			if err != nil {
				return q, NewError(CodeValidationFailed, "$limit: %v", err)
			}
			if n < 0 || n > store.MaxListLimit {
				return q, NewError(CodeValidationFailed, "$limit must be between 0 and %d", store.MaxListLimit)
			}
			q.Limit = n
		case key == "$skip":
			n, err := coerceInt(value)
			if err != nil {
				return q, NewError(CodeValidationFailed, "$skip: %v", err)
			}
			if n < 0 {
				return q, NewError(CodeValidationFailed, "$skip must be non-negative")
			}
			q.Skip = n
		case key == "$sort":
			sort, err := coerceSort(schema, value)
			if err != nil {
				return q, err
			}
			q.Sort = sort
		case key == "$select":
			fields, err := coerceSelect(schema, value)
			if err != nil {
				return q, err
			}
			q.Select = fields
		case operators[key]:
			// closed set above; unreachable
		default:
			fieldType, ok := schema.Fields[key]
			if !ok {
				return q, NewError(CodeValidationFailed, "unknown query field %q", key)
			}
			coerced, err := coerceValue(fieldType, value)
			if err != nil {
				return q, NewError(CodeValidationFailed, "field %q: %v", key, err)
			}
			q.Filters[key] = coerced
		}
	}
	return q, nil
}

func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		parsed, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func coerceSort(schema *QuerySchema, v any) ([]store.SortField, error) {
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, NewError(CodeValidationFailed, "$sort must be an object")
	}
	var sort []store.SortField
	for field, dir := range doc {
		if _, ok := schema.Fields[field]; !ok {
			return nil, NewError(CodeValidationFailed, "cannot sort by unknown field %q", field)
		}
		n, err := coerceInt(dir)
		if err != nil || (n != 1 && n != -1) {
			return nil, NewError(CodeValidationFailed, "$sort.%s must be 1 or -1", field)
		}
		sort = append(sort, store.SortField{Field: field, Desc: n == -1})
	}
	return sort, nil
}

func coerceSelect(schema *QuerySchema, v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, NewError(CodeValidationFailed, "$select must be an array")
	}
	fields := make([]string, 0, len(list))
	for _, item := range list {
		field, ok := item.(string)
		if !ok {
			return nil, NewError(CodeValidationFailed, "$select entries must be strings")
		}
		if _, ok := schema.Fields[field]; !ok {
			return nil, NewError(CodeValidationFailed, "cannot select unknown field %q", field)
		}
		fields = append(fields, field)
	}
	return fields, nil
}

func coerceValue(t FieldType, v any) (any, error) {
	switch t {
	case FieldNumber:
		return coerceInt(v)
	case FieldBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return nil, fmt.Errorf("not a boolean: %q", b)
			}
			return parsed, nil
		default:
			return nil, fmt.Errorf("not a boolean: %v", v)
		}
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a string: %v", v)
		}
		return s, nil
	}
}
