package calibration

import (
	"fmt"
	"math"

	v1 "github.com/aq-calibration/calibration-engine/pkg/apis/calibration/v1"
	"github.com/aq-calibration/calibration-engine/pkg/regression"
)

// Correction binds a predictor to the channel it corrects and the order in
// which it expects its input columns.
type Correction struct {
	Channel  v1.Channel
	Features []string
	Model    regression.Predictor
}

// Calibrator applies one correction per channel to request rows. It is
// built once and never modified, so it can be shared between requests.
type Calibrator struct {
	corrections []Correction
}

// NewCalibrator requires exactly one correction for every channel.
func NewCalibrator(corrections ...Correction) (*Calibrator, error) {
	byChannel := make(map[v1.Channel]Correction, len(corrections))
	for _, c := range corrections {
		if !c.Channel.Valid() {
			return nil, fmt.Errorf("unknown channel %q", c.Channel)
		}
		if c.Model == nil {
			return nil, fmt.Errorf("channel %s has no model", c.Channel)
		}
		if _, ok := byChannel[c.Channel]; ok {
			return nil, fmt.Errorf("channel %s is configured twice", c.Channel)
		}
		if len(c.Features) == 0 {
			c.Features = c.Channel.Features()
		}
		byChannel[c.Channel] = c
	}

	ordered := make([]Correction, 0, len(byChannel))
	for _, channel := range v1.Channels() {
		c, ok := byChannel[channel]
		if !ok {
			return nil, fmt.Errorf("no model for channel %s", channel)
		}
		ordered = append(ordered, c)
	}
	return &Calibrator{corrections: ordered}, nil
}

// Calibrate returns one corrected row per input row, in input order. Each
// output row starts with the corrected readings followed by every other
// input field.
func (c *Calibrator) Calibrate(rows []*Row) ([]*Row, error) {
	if err := Validate(rows); err != nil {
		return nil, err
	}

	corrected := make(map[v1.Channel][]float64, len(c.corrections))
	for _, correction := range c.corrections {
		X := make([][]float64, len(rows))
		for i, row := range rows {
			features := make([]float64, len(correction.Features))
			for j, name := range correction.Features {
				v, err := row.Float(name)
				if err != nil {
					return nil, fmt.Errorf("row %d: %w", i, err)
				}
				features[j] = v
			}
			X[i] = features
		}

		pred, err := correction.Model.Predict(X)
		if err != nil {
			return nil, fmt.Errorf("%s model: %w", correction.Channel, err)
		}
		if len(pred) != len(rows) {
			return nil, fmt.Errorf("%s model returned %d predictions for %d rows", correction.Channel, len(pred), len(rows))
		}
		for i, p := range pred {
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return nil, fmt.Errorf("%s model returned a non-finite value for row %d", correction.Channel, i)
			}
		}
		corrected[correction.Channel] = pred
	}

	out := make([]*Row, len(rows))
	for i, row := range rows {
		result := NewRow()
		for _, correction := range c.corrections {
			result.SetFloat(correction.Channel.Field(), corrected[correction.Channel][i])
		}
		for _, key := range row.Keys() {
			if result.Has(key) {
				continue
			}
			value, _ := row.Get(key)
			result.Set(key, value)
		}
		out[i] = result
	}
	return out, nil
}
