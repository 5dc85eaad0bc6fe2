package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
)

// Table is the training data of one channel.
type Table struct {
	Channel  v1.Channel
	Columns  []string
	Features [][]float64
	Target   []float64
	// Dropped counts rows skipped because a selected value was missing or
	// not a number.
	Dropped int
}

func (t *Table) Rows() int {
	return len(t.Target)
}

// LoadCSV reads a headered CSV and selects the reference column and the
// feature columns of the channel. Other columns are ignored.
func LoadCSV(r io.Reader, channel v1.Channel) (*Table, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset is empty")
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, ok := index[name]; !ok {
			index[name] = i
		}
	}

	features := channel.Features()
	targetCol, ok := index[channel.ReferenceColumn()]
	if !ok {
		return nil, fmt.Errorf("dataset has no %s column", channel.ReferenceColumn())
	}
	featureCols := make([]int, len(features))
	for j, name := range features {
		col, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("dataset has no %s column", name)
		}
		featureCols[j] = col
	}

	table := &Table{Channel: channel, Columns: features}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		target, ok := parseCell(record, targetCol)
		if !ok {
			table.Dropped++
			continue
		}
		row := make([]float64, len(featureCols))
		for j, col := range featureCols {
			if row[j], ok = parseCell(record, col); !ok {
				break
			}
		}
		if !ok {
			table.Dropped++
			continue
		}
		table.Features = append(table.Features, row)
		table.Target = append(table.Target, target)
	}
	return table, nil
}

func parseCell(record []string, col int) (float64, bool) {
	if col >= len(record) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[col]), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
