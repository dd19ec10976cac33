package telemetry

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func TestThatParseAcceptsCanonicalLine(t *testing.T) {
	is := is.New(t)

	r, ok := Parse(`{"pressure":23.4,"temperature":32.1,"cycle":1}`)

	is.True(ok)
	is.Equal(r.MeasuredPressure, 23.4)
	is.Equal(r.Temperature, 32.1)
	is.True(r.CycleIndex != nil)
	is.Equal(*r.CycleIndex, 1)
}

func TestThatParseAcceptsEveryAlias(t *testing.T) {
	is := is.New(t)

	lines := []string{
		`{"measuredPressure":10,"temp":20}`,
		`{"p":10,"t":20}`,
		`{"pr":10,"temperature":20}`,
		`  {"p":"10","t":" 20 "}  ` + "\r",
	}

	for _, line := range lines {
		r, ok := Parse(line)
		is.True(ok) // every alias combination should decode
		is.Equal(r.MeasuredPressure, 10.0)
		is.Equal(r.Temperature, 20.0)
		is.True(r.CycleIndex == nil)
	}
}

func TestThatParseUsesFirstPresentAlias(t *testing.T) {
	is := is.New(t)

	r, ok := Parse(`{"p":99,"pressure":12,"t":5,"temp":6}`)
	is.True(ok)
	is.Equal(r.MeasuredPressure, 12.0)
	is.Equal(r.Temperature, 6.0)

	r, ok = Parse(`{"pressure":null,"pr":14,"t":5}`)
	is.True(ok)
	is.Equal(r.MeasuredPressure, 14.0)
}

func TestThatParseKeepsValuesUnclamped(t *testing.T) {
	is := is.New(t)

	r, ok := Parse(`{"p":250,"t":10}`)
	is.True(ok)
	is.Equal(r.MeasuredPressure, 250.0)
}

func TestThatParseRejectsInvalidLines(t *testing.T) {
	is := is.New(t)

	lines := []string{
		"not-json",
		"",
		"[1,2,3]",
		`{"pressure":1,"temperature":2`,
		`{"pressure":1,"temperature":2,}`,
		`{"temperature":2}`,
		`{"pressure":1}`,
		`{"pressure":"abc","temperature":2}`,
		`{"pressure":true,"temperature":2}`,
		`{"pressure":1,"temperature":"Infinity"}`,
		`{"pressure":1,"temperature":"NaN"}`,
		`{"pressure":"","temperature":2}`,
		`{"pressure":"x","p":3,"temperature":2}`,
		`prefix {"pressure":1,"temperature":2}`,
	}

	for _, line := range lines {
		_, ok := Parse(line)
		is.True(!ok) // line should be rejected
	}
}

func TestThatNonNumericCycleIsDropped(t *testing.T) {
	is := is.New(t)

	for _, line := range []string{
		`{"p":1,"t":2,"cycle":"first"}`,
		`{"p":1,"t":2,"cycle":-1}`,
		`{"p":1,"t":2,"cycle":1.5}`,
		`{"p":1,"t":2,"cycleIndex":{}}`,
	} {
		r, ok := Parse(line)
		is.True(ok)
		is.True(r.CycleIndex == nil)
	}

	r, ok := Parse(`{"p":1,"t":2,"cycleIndex":"7"}`)
	is.True(ok)
	is.Equal(*r.CycleIndex, 7)
}

func TestThatParseStampsRecordedAt(t *testing.T) {
	is := is.New(t)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r, ok := parseAt(`{"p":1,"t":2}`, now)

	is.True(ok)
	is.Equal(r.RecordedAt, now)
}

func TestClamp(t *testing.T) {
	is := is.New(t)

	r, _ := Parse(`{"p":250,"t":-4}`)
	c := Clamp(r)
	is.Equal(c.MeasuredPressure, 200.0)
	is.Equal(c.Temperature, 0.0)

	r, _ = Parse(`{"p":-3,"t":95.5}`)
	c = Clamp(r)
	is.Equal(c.MeasuredPressure, 0.0)
	is.Equal(c.Temperature, 80.0)

	r, _ = Parse(`{"p":42,"t":37}`)
	is.Equal(Clamp(r), r)
}
