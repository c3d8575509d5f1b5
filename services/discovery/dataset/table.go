// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset turns a tabular dataset into statistical evidence.
//
// A Table is loaded from CSV and implements oracle.Dataset. A Planner maps
// a hypothesis to a Plan (which rows to look at, which outcome to count)
// and the Gatherer runs the plan, returning success/failure counts plus a
// one-sided binomial p-value against the dataset's baseline rate.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyTable indicates a CSV with no header or no data rows.
	ErrEmptyTable = errors.New("dataset has no rows")

	// ErrUnknownColumn indicates a column name not in the header.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrNoPlan indicates the planner could not map a hypothesis to a plan.
	ErrNoPlan = errors.New("no evaluation plan for hypothesis")

	// ErrEmptySelection indicates a plan whose filter matched no rows.
	ErrEmptySelection = errors.New("plan matched no rows")
)

// Table is an in-memory, read-only CSV table.
//
// Thread Safety: Safe for concurrent reads after construction.
type Table struct {
	name    string
	columns []string
	index   map[string]int
	rows    [][]string
}

// LoadCSV reads a CSV file whose first record is the header.
//
// Inputs:
//   - path: CSV file path. The table is named after the file's base name.
//
// Outputs:
//   - *Table: The loaded table.
//   - error: Non-nil if the file cannot be read or parsed, or has no rows.
func LoadCSV(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return ReadCSV(name, f)
}

// ReadCSV parses CSV from r. Cells are trimmed of surrounding whitespace.
func ReadCSV(name string, r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", name, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTable, name)
	}

	t := &Table{
		name:  name,
		index: make(map[string]int, len(records[0])),
	}
	for i, c := range records[0] {
		c = strings.TrimSpace(c)
		t.columns = append(t.columns, c)
		t.index[c] = i
	}
	for _, rec := range records[1:] {
		row := make([]string, len(rec))
		for i, v := range rec {
			row[i] = strings.TrimSpace(v)
		}
		t.rows = append(t.rows, row)
	}
	return t, nil
}

// Name implements oracle.Dataset.
func (t *Table) Name() string { return t.name }

// Columns implements oracle.Dataset.
func (t *Table) Columns() []string { return append([]string(nil), t.columns...) }

// Len implements oracle.Dataset.
func (t *Table) Len() int { return len(t.rows) }

// Value implements oracle.Dataset.
func (t *Table) Value(row int, column string) (string, bool) {
	i, ok := t.index[column]
	if !ok || row < 0 || row >= len(t.rows) || i >= len(t.rows[row]) {
		return "", false
	}
	return t.rows[row][i], true
}

// HasColumn reports whether column is in the header.
func (t *Table) HasColumn(column string) bool {
	_, ok := t.index[column]
	return ok
}

// Summary describes the table for a language model's fact context.
func (t *Table) Summary() string {
	return fmt.Sprintf("Dataset %q has %d rows with columns: %s.", t.name, len(t.rows), strings.Join(t.columns, ", "))
}
