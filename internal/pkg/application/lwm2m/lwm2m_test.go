package lwm2m

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/diwise/integration-compression/domain"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/farshidtz/senml/v2"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var method = expects.RequestMethod

func TestSendingPressureAndTemperaturePacks(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
		),
		Returns(
			response.Code(http.StatusCreated),
			response.Body([]byte("")),
		),
	)

	m := NewMirror(s.URL(), nil)
	err := m.Mirror(context.Background(), domain.Session{ID: "s1"}, testReading())
	is.NoErr(err)
}

func TestThatUnexpectedResponseCodeIsAnError(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
		),
		Returns(
			response.Code(http.StatusBadGateway),
			response.Body([]byte("")),
		),
	)

	err := CreateAndSendAsLWM2M(context.Background(), "s1", testReading(), s.URL(), Send)
	is.True(err != nil)
}

func TestThatPacksCarryObjectsAndValues(t *testing.T) {
	is := is.New(t)

	packs := map[string]senml.Pack{}
	sender := func(_ context.Context, _ string, p senml.Pack) error {
		packs[p[0].BaseName] = p
		return nil
	}

	err := CreateAndSendAsLWM2M(context.Background(), "s1", testReading(), "http://lwm2m", sender)
	is.NoErr(err)
	is.Equal(len(packs), 2)

	pressure := packs[PressureURN]
	is.Equal(pressure[0].StringValue, "s1")
	is.Equal(pressure[1].Name, "5700")
	is.Equal(*pressure[1].Value, 200.0)
	is.Equal(pressure[1].Unit, "kPa")

	temperature := packs[TemperatureURN]
	is.Equal(*temperature[1].Value, 37.5)
	is.Equal(temperature[1].Unit, senml.UnitCelsius)
}

func TestThatBothPacksAreAttemptedWhenOneFails(t *testing.T) {
	is := is.New(t)

	calls := 0
	sender := func(context.Context, string, senml.Pack) error {
		calls++
		return errors.New("unreachable")
	}

	err := CreateAndSendAsLWM2M(context.Background(), "s1", testReading(), "http://lwm2m", sender)
	is.True(err != nil)
	is.Equal(calls, 2)
}

func testReading() domain.Reading {
	return domain.Reading{
		SessionID:        "s1",
		MeasuredPressure: 200,
		Temperature:      37.5,
		RecordedAt:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}
