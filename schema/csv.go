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
	"fmt"
	"strings"
)

// csvSniffBytes caps how much of a delimited file inference reads. Two
// lines are enough; the window keeps a 100 MiB upload from being scanned.
const csvSniffBytes = 8192

// inferCSV reads the first window of a delimited text file and infers
// types from the header line plus one data line.
func inferCSV(data []byte) (Columns, error) {
	window := data
	if len(window) > csvSniffBytes {
		window = window[:csvSniffBytes]
	}

	var lines []string
	for _, line := range strings.Split(string(window), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
		if len(lines) == 2 {
			break
		}
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("%w (csv)", ErrMalformedInput)
	}

	headers := strings.Split(lines[0], ",")
	sample := strings.Split(lines[1], ",")
	for i := range sample {
		sample[i] = strings.TrimSpace(sample[i])
	}

	cols, err := buildColumns(headers, sample)
	if err != nil {
		return nil, fmt.Errorf("csv header: %w", err)
	}
	return cols, nil
}
