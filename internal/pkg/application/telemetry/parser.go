package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/integration-compression/domain"
)

var (
	pressureKeys    = []string{"pressure", "measuredPressure", "p", "pr"}
	temperatureKeys = []string{"temperature", "temp", "t"}
	cycleKeys       = []string{"cycle", "cycleIndex"}
)

// Parse decodes one line from the controller. It never fails; a line that is
// not a JSON object, or that lacks a finite pressure and temperature, yields
// ok == false. Values are returned as sent, clamping is left to the caller.
func Parse(raw string) (domain.Reading, bool) {
	return parseAt(raw, time.Now().UTC())
}

func parseAt(raw string, now time.Time) (domain.Reading, bool) {
	line := strings.TrimSpace(raw)
	if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
		return domain.Reading{}, false
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return domain.Reading{}, false
	}

	pressure, ok := firstNumber(fields, pressureKeys)
	if !ok {
		return domain.Reading{}, false
	}

	temperature, ok := firstNumber(fields, temperatureKeys)
	if !ok {
		return domain.Reading{}, false
	}

	r := domain.Reading{
		MeasuredPressure: pressure,
		Temperature:      temperature,
		RecordedAt:       now,
	}

	if c, ok := firstNumber(fields, cycleKeys); ok && c >= 0 && c == math.Trunc(c) && c <= math.MaxInt32 {
		cycle := int(c)
		r.CycleIndex = &cycle
	}

	return r, true
}

// firstNumber picks the first alias carrying a non-null value and coerces it.
// Later aliases are not consulted when the first present one is not numeric.
func firstNumber(fields map[string]any, keys []string) (float64, bool) {
	for _, k := range keys {
		v, present := fields[k]
		if !present || v == nil {
			continue
		}
		return toFinite(v)
	}
	return 0, false
}

func toFinite(v any) (float64, bool) {
	var f float64

	switch value := v.(type) {
	case float64:
		f = value
	case string:
		s := strings.TrimSpace(value)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}
