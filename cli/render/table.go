package render

import (
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
)

const gap = "  "

// table renders a slice as one row per element under a header, and any
// other value as an aligned "key:  value" list.
func (r *Renderer) table(data any) error {
	v := deref(reflect.ValueOf(data))
	var b strings.Builder
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		r.rows(&b, v)
	case reflect.Struct, reflect.Map:
		r.pairs(&b, fields(v))
	default:
		fmt.Fprintf(&b, "%v\n", data)
	}
	_, err := io.WriteString(r.out, b.String())
	return err
}

func (r *Renderer) rows(b *strings.Builder, v reflect.Value) {
	if v.Len() == 0 {
		b.WriteString("(no results)\n")
		return
	}
	first := fields(deref(v.Index(0)))
	header := make([]string, len(first))
	for i, f := range first {
		header[i] = f.name
	}
	grid := [][]string{header}
	for i := range v.Len() {
		row := make([]string, len(header))
		for j, f := range fieldsFor(deref(v.Index(i)), header) {
			row[j] = cell(f)
		}
		grid = append(grid, row)
	}

	widths := make([]int, len(header))
	for _, row := range grid {
		for i, s := range row {
			widths[i] = max(widths[i], len(s))
		}
	}
	for n, row := range grid {
		for i, s := range row {
			if i < len(row)-1 {
				s += strings.Repeat(" ", widths[i]-len(s))
			}
			if n == 0 {
				s = r.paint(headerStyle, s)
			}
			if i > 0 {
				b.WriteString(gap)
			}
			b.WriteString(s)
		}
		b.WriteByte('\n')
	}
}

func (r *Renderer) pairs(b *strings.Builder, fs []field) {
	width := 0
	for _, f := range fs {
		width = max(width, len(f.name)+1)
	}
	for _, f := range fs {
		key := f.name + ":"
		key += strings.Repeat(" ", width-len(key))
		fmt.Fprintf(b, "%s%s%s\n", r.paint(keyStyle, key), gap, cell(f.value))
	}
}

type field struct {
	name  string
	value reflect.Value
}

// fields lists the exported struct fields of v under their json names, or
// the entries of a map in key order. Anything else is a single "value".
func fields(v reflect.Value) []field {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		var fs []field
		for i := range t.NumField() {
			sf := t.Field(i)
			if !sf.IsExported() {
				continue
			}
			name, skip := jsonName(sf)
			if skip {
				continue
			}
			fs = append(fs, field{name, v.Field(i)})
		}
		return fs
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		fs := make([]field, len(keys))
		for i, k := range keys {
			fs[i] = field{fmt.Sprint(k.Interface()), v.MapIndex(k)}
		}
		return fs
	}
	return []field{{"value", v}}
}

// fieldsFor returns the values of v in header order. Map rows missing a
// column yield the zero Value.
func fieldsFor(v reflect.Value, header []string) []reflect.Value {
	byName := make(map[string]reflect.Value, len(header))
	for _, f := range fields(v) {
		byName[f.name] = f.value
	}
	out := make([]reflect.Value, len(header))
	for i, h := range header {
		out[i] = byName[h]
	}
	return out
}

func jsonName(sf reflect.StructField) (string, bool) {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	switch name {
	case "-":
		return "", true
	case "":
		return strings.ToLower(sf.Name), false
	}
	return name, false
}

func deref(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// cell formats one value for a table cell. Collections collapse to a
// count unless they are a short list of strings.
func cell(v reflect.Value) string {
	v = deref(v)
	if !v.IsValid() {
		return ""
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String()
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		n := v.Len()
		if n == 0 {
			return "[]"
		}
		if n <= 3 && v.Type().Elem().Kind() == reflect.String {
			parts := make([]string, n)
			for i := range n {
				parts[i] = v.Index(i).String()
			}
			return strings.Join(parts, ", ")
		}
		return fmt.Sprintf("[%d items]", n)
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	}
	return fmt.Sprint(v.Interface())
}
