package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// FromStruct derives a descriptor from the exported fields of a struct.
//
// Field names come from the json tag (or the lower-camel Go name). The
// `ability` tag refines a field:
//
//	ClientID string  `json:"clientId" ability:"column=client_id"`
//	Client   *Client `json:"client" ability:"rel=Client,local=client_id,foreign=id"`
//	Rewards  []Reward `json:"rewards" ability:"rel=Reward,many,local=id,foreign=client_id"`
//	Secret   string  `ability:"-"`
func FromStruct(name, table string, v any) (*Descriptor, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %s: expected struct, got %v", name, t)
	}
	fields := make([]FieldMeta, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := sf.Tag.Get("ability")
		if tag == "-" {
			continue
		}
		fm := FieldMeta{Name: fieldName(sf)}
		if fm.Name == "" {
			continue
		}
		for _, opt := range strings.Split(tag, ",") {
			key, val, _ := strings.Cut(strings.TrimSpace(opt), "=")
			switch key {
			case "":
			case "column":
				fm.Column = val
			case "type":
				fm.Type = ScalarType(val)
			case "rel":
				if fm.Relation == nil {
					fm.Relation = &Relation{}
				}
				fm.Relation.Target = val
			case "many":
				fm.IsList = true
			case "local":
				if fm.Relation == nil {
					fm.Relation = &Relation{}
				}
				fm.Relation.LocalKey = val
			case "foreign":
				if fm.Relation == nil {
					fm.Relation = &Relation{}
				}
				fm.Relation.ForeignKey = val
			default:
				return nil, fmt.Errorf("schema: %s.%s: unknown tag option %q", name, sf.Name, key)
			}
		}
		if fm.Relation != nil {
			if fm.IsList || sf.Type.Kind() == reflect.Slice {
				fm.IsList = true
				fm.Relation.Kind = Many
			} else {
				fm.Relation.Kind = One
			}
		} else if fm.Type == "" {
			st, list := scalarOf(sf.Type)
			fm.Type, fm.IsList = st, fm.IsList || list
		}
		fields = append(fields, fm)
	}
	return New(name, table, fields...)
}

func fieldName(sf reflect.StructField) string {
	if j := sf.Tag.Get("json"); j != "" {
		n, _, _ := strings.Cut(j, ",")
		if n == "-" {
			return ""
		}
		if n != "" {
			return n
		}
	}
	return strings.ToLower(sf.Name[:1]) + sf.Name[1:]
}

func scalarOf(t reflect.Type) (ScalarType, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return DateTime, false
	}
	switch t.Kind() {
	case reflect.String:
		return String, false
	case reflect.Bool:
		return Boolean, false
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int, false
	case reflect.Float32, reflect.Float64:
		return Float, false
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return String, false
		}
		st, _ := scalarOf(t.Elem())
		return st, true
	}
	return JSON, false
}
