package telemetry

import "github.com/diwise/integration-compression/domain"

const (
	MinPressure    float64 = 0
	MaxPressure    float64 = 200
	MinTemperature float64 = 0
	MaxTemperature float64 = 80
)

// Clamp forces pressure into [0,200] kPa and temperature into [0,80] °C.
func Clamp(r domain.Reading) domain.Reading {
	r.MeasuredPressure = clamp(r.MeasuredPressure, MinPressure, MaxPressure)
	r.Temperature = clamp(r.Temperature, MinTemperature, MaxTemperature)
	return r
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
