package calibration

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
)

// PayloadKind classifies a request body.
type PayloadKind int

const (
	Empty PayloadKind = iota
	SingleRow
	RowBatch
	Unsupported
)

func (k PayloadKind) String() string {
	switch k {
	case Empty:
		return "empty"
	case SingleRow:
		return "single-row"
	case RowBatch:
		return "row-batch"
	default:
		return "unsupported"
	}
}

// Payload is a request body normalized to an ordered list of rows.
type Payload struct {
	Kind PayloadKind
	Rows []*Row
}

// ParsePayload classifies body and normalizes it to rows. Bodies that carry
// no rows, scalars and arrays holding anything other than objects are
// returned as validation errors.
func ParsePayload(body []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, noData()
	}
	// Passthrough values are echoed verbatim, so the response is only valid
	// JSON if the request was valid UTF-8.
	if !utf8.Valid(trimmed) {
		return nil, malformed(errors.New("request body is not valid UTF-8"))
	}
	if !json.Valid(trimmed) {
		var v interface{}
		return nil, malformed(json.Unmarshal(trimmed, &v))
	}

	switch trimmed[0] {
	case 'n':
		return nil, noData()
	case '{':
		row := NewRow()
		if err := json.Unmarshal(trimmed, row); err != nil {
			return nil, malformed(err)
		}
		if row.Len() == 0 {
			return nil, noData()
		}
		return &Payload{Kind: SingleRow, Rows: []*Row{row}}, nil
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return nil, malformed(err)
		}
		if len(elements) == 0 {
			return nil, noData()
		}
		rows := make([]*Row, 0, len(elements))
		for _, element := range elements {
			if len(element) == 0 || element[0] != '{' {
				return nil, unsupportedFormat()
			}
			row := NewRow()
			if err := json.Unmarshal(element, row); err != nil {
				return nil, malformed(err)
			}
			rows = append(rows, row)
		}
		return &Payload{Kind: RowBatch, Rows: rows}, nil
	default:
		return nil, unsupportedFormat()
	}
}

// Validate checks that every row carries every required field. The first
// missing field, scanning rows in order, is reported.
func Validate(rows []*Row) error {
	if len(rows) == 0 {
		return noData()
	}
	for i, row := range rows {
		for _, field := range v1.RequiredFields {
			if !row.Has(field) {
				return missingColumn(field, i)
			}
		}
	}
	return nil
}
