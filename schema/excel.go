//
// Tencent is pleased to support the open source community by making datalab available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// datalab is licensed under the Apache License Version 2.0.
//
//

package schema

import (
	"bytes"
	"fmt"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// inferXLSX decodes an xlsx container and infers types from the first
// two logical rows of the first sheet. The container must be decoded in
// full structurally, but row iteration stops after the sample row.
func inferXLSX(data []byte) (Columns, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: open xlsx: %v", ErrMalformedInput, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedInput)
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("%w: read sheet %q: %v", ErrMalformedInput, sheet, err)
	}
	defer rows.Close()

	var header, sample []string
	for i := 0; i < 2 && rows.Next(); i++ {
		cells, err := rows.Columns()
		if err != nil {
			return nil, fmt.Errorf("%w: read row: %v", ErrMalformedInput, err)
		}
		if i == 0 {
			header = cells
		} else {
			sample = cells
		}
	}
	if header == nil || sample == nil {
		return nil, fmt.Errorf("%w (xlsx)", ErrMalformedInput)
	}

	cols, err := buildColumns(header, sample)
	if err != nil {
		return nil, fmt.Errorf("xlsx header: %w", err)
	}
	return cols, nil
}

// inferXLS handles the legacy BIFF format via extrame/xls.
func inferXLS(data []byte) (Columns, error) {
	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("%w: open xls: %v", ErrMalformedInput, err)
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("%w: workbook has no sheets", ErrMalformedInput)
	}
	if sheet.MaxRow < 1 {
		return nil, fmt.Errorf("%w (xls)", ErrMalformedInput)
	}

	header := xlsRowCells(sheet, 0)
	sample := xlsRowCells(sheet, 1)
	if len(header) == 0 {
		return nil, fmt.Errorf("%w (xls)", ErrMalformedInput)
	}

	cols, err := buildColumns(header, sample)
	if err != nil {
		return nil, fmt.Errorf("xls header: %w", err)
	}
	return cols, nil
}

func xlsRowCells(sheet *xls.WorkSheet, idx int) []string {
	row := sheet.Row(idx)
	if row == nil {
		return nil
	}
	var cells []string
	for i := row.FirstCol(); i < row.LastCol(); i++ {
		cells = append(cells, row.Col(i))
	}
	return cells
}
