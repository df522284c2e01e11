//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

// Package schema infers per-column data types for uploaded tabular files.
// Inference reads only a header row and one sample row, so a file is never
// scanned in full. The result feeds the resolver's table_info payload.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Type is the inferred primitive type of a column.
type Type string

// Column types reported in table_info dtypes.
const (
	TypeInt    Type = "int64"
	TypeFloat  Type = "float64"
	TypeBool   Type = "bool"
	TypeString Type = "string"
)

// Kind identifies the container format of an uploaded file.
type Kind string

// Supported upload formats.
const (
	KindCSV  Kind = "csv"
	KindXLSX Kind = "xlsx"
	KindXLS  Kind = "xls"
)

// Inference failures.
var (
	// ErrMalformedInput reports a file with fewer than two logical rows,
	// an empty workbook, or an undecodable container.
	ErrMalformedInput = errors.New("malformed input: need a header row and one data row")
	// ErrEmptyColumnName reports a header cell that is empty after
	// trimming whitespace and invisible characters.
	ErrEmptyColumnName = errors.New("empty column name")
	// ErrUnsupportedExtension reports a filename outside .csv/.xlsx/.xls.
	ErrUnsupportedExtension = errors.New("unsupported file extension")
)

// Column pairs a cleaned header name with its inferred type.
type Column struct {
	Name string
	Type Type
}

// Columns is an ordered column list; order matches the source file.
type Columns []Column

// MarshalJSON renders the columns as a JSON object in file order, the
// shape consumed by the resolver's dtypes field.
func (c Columns) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(col.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		typ, err := json.Marshal(string(col.Type))
		if err != nil {
			return nil, err
		}
		buf.Write(typ)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a dtypes object preserving key order.
func (c *Columns) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("dtypes: expected object, got %v", tok)
	}
	var cols Columns
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("dtypes: non-string key %v", keyTok)
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		val, ok := valTok.(string)
		if !ok {
			return fmt.Errorf("dtypes: non-string type for %q", key)
		}
		cols = append(cols, Column{Name: key, Type: Type(val)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = cols
	return nil
}

// KindFromFilename maps a filename extension to an upload Kind. Anything
// but .csv/.xlsx/.xls is rejected before inference runs.
func KindFromFilename(name string) (Kind, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	switch Kind(ext) {
	case KindCSV, KindXLSX, KindXLS:
		return Kind(ext), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedExtension, name)
	}
}

// Infer produces the ordered column/type mapping for one uploaded file.
// It is a pure function of the file bytes; inferring twice on identical
// bytes yields identical results.
func Infer(name string, data []byte) (Columns, error) {
	kind, err := KindFromFilename(name)
	if err != nil {
		return nil, err
	}
	return InferKind(data, kind)
}

// InferKind infers columns given an already-resolved container Kind.
func InferKind(data []byte, kind Kind) (Columns, error) {
	switch kind {
	case KindCSV:
		return inferCSV(data)
	case KindXLSX:
		return inferXLSX(data)
	case KindXLS:
		return inferXLS(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExtension, kind)
	}
}

// stripInvisible removes Unicode format runes (zero-width characters,
// BOM) that spreadsheet exports routinely smuggle into header cells.
var stripInvisible = runes.Remove(runes.In(unicode.Cf))

// CleanHeader normalizes a raw header cell. An empty result rejects the
// whole file; files are never staged with anonymous columns.
func CleanHeader(raw string) (string, error) {
	cleaned, _, err := transform.String(stripInvisible, strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("clean header %q: %w", raw, err)
	}
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", ErrEmptyColumnName
	}
	return cleaned, nil
}

// InferValueType applies the fixed precedence to one sample value:
// numeric with a decimal point, numeric without, boolean literal, and
// string as the default for everything else including empty cells.
func InferValueType(value string) Type {
	v := strings.TrimSpace(value)
	if v == "" {
		return TypeString
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		if strings.Contains(v, ".") {
			return TypeFloat
		}
		return TypeInt
	}
	if strings.EqualFold(v, "true") || strings.EqualFold(v, "false") {
		return TypeBool
	}
	return TypeString
}

// buildColumns zips cleaned headers with sample values. A sample row
// shorter than the header row types the tail columns as string.
func buildColumns(headers, sample []string) (Columns, error) {
	cols := make(Columns, 0, len(headers))
	for i, h := range headers {
		name, err := CleanHeader(h)
		if err != nil {
			return nil, err
		}
		var value string
		if i < len(sample) {
			value = sample[i]
		}
		cols = append(cols, Column{Name: name, Type: InferValueType(value)})
	}
	return cols, nil
}
