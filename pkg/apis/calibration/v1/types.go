package v1

import (
	"fmt"
	"path"
)

// Channel identifies the pollutant a correction model is trained for.
type Channel string

const (
	PM25Channel Channel = "pm2_5"
	PM10Channel Channel = "pm10"
)

const (
	HumidityField    = "hum"
	TemperatureField = "temp"
	PM25Field        = "pm2_5"
	PM10Field        = "pm10"
)

const (
	// ArtifactPrefix is the object key prefix under which artifacts are published.
	ArtifactPrefix = "assets"

	// Instruction is returned to clients asking how to use the calibration endpoint.
	Instruction = "Send JSON data with hum, temp, pm2_5 and pm10 for calibration"

	referenceSuffix = "_ref"
)

// RequiredFields lists the columns every calibration row must carry, in the
// order they are validated.
var RequiredFields = []string{HumidityField, TemperatureField, PM25Field, PM10Field}

// Channels returns every supported channel in a fixed order.
func Channels() []Channel {
	return []Channel{PM25Channel, PM10Channel}
}

// ParseChannel converts a name into a Channel.
func ParseChannel(name string) (Channel, error) {
	c := Channel(name)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q, expected one of %q or %q", name, PM25Channel, PM10Channel)
	}
	return c, nil
}

func (c Channel) Valid() bool {
	return c == PM25Channel || c == PM10Channel
}

// Field is the request/response field holding this channel's reading.
func (c Channel) Field() string {
	return string(c)
}

// ReferenceColumn is the training column with the reference-grade reading.
func (c Channel) ReferenceColumn() string {
	return string(c) + referenceSuffix
}

// Features returns the model input columns for this channel.
func (c Channel) Features() []string {
	return []string{HumidityField, TemperatureField, c.Field()}
}

// FileName is the fixed artifact file name, e.g. model_pm2_5.pkl.gz.
func (c Channel) FileName() string {
	return fmt.Sprintf("model_%s.pkl.gz", c)
}

// ObjectKey is the artifact store key the service downloads from.
func (c Channel) ObjectKey() string {
	return path.Join(ArtifactPrefix, c.FileName())
}
