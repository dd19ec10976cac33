package telemetry

import (
	"testing"

	"github.com/diwise/integration-compression/domain"
	"github.com/matryer/is"
)

func TestThatBufferKeepsLastTwoHundredInArrivalOrder(t *testing.T) {
	is := is.New(t)
	b := NewBuffer()

	for i := 0; i < 300; i++ {
		b.Push(domain.Reading{MeasuredPressure: float64(i)})
	}

	is.Equal(b.len(), 200)

	snap := b.Snapshot()
	is.Equal(len(snap), 200)
	for i, r := range snap {
		is.Equal(r.MeasuredPressure, float64(100+i))
	}
}

func TestThatBufferBelowCapacityKeepsEverything(t *testing.T) {
	is := is.New(t)
	b := NewBuffer()

	for i := 0; i < 5; i++ {
		b.Push(domain.Reading{Temperature: float64(i)})
	}

	snap := b.Snapshot()
	is.Equal(len(snap), 5)
	is.Equal(snap[0].Temperature, 0.0)
	is.Equal(snap[4].Temperature, 4.0)
}

func TestThatSnapshotIsACopy(t *testing.T) {
	is := is.New(t)
	b := NewBuffer()
	b.Push(domain.Reading{MeasuredPressure: 1})

	snap := b.Snapshot()
	snap[0].MeasuredPressure = 99

	is.Equal(b.Snapshot()[0].MeasuredPressure, 1.0)
}

func TestThatClearEmptiesTheBuffer(t *testing.T) {
	is := is.New(t)
	b := NewBuffer()

	for i := 0; i < 250; i++ {
		b.Push(domain.Reading{MeasuredPressure: float64(i)})
	}
	b.Clear()

	is.Equal(b.len(), 0)
	is.Equal(len(b.Snapshot()), 0)

	b.Push(domain.Reading{MeasuredPressure: 7})
	is.Equal(b.Snapshot()[0].MeasuredPressure, 7.0)
}
