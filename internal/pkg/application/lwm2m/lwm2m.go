package lwm2m

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/farshidtz/senml/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tlsSkipVerify bool

func init() {
	tlsSkipVerify = env.GetVariableOrDefault(zerolog.Logger{}, "TLS_SKIP_VERIFY", "0") == "1"
}

var tracer = otel.Tracer("integration-compression/lwm2m")

const (
	PressureURN    string = "urn:oma:lwm2m:ext:3323"
	TemperatureURN string = "urn:oma:lwm2m:ext:3303"
)

const (
	sensorValue string = "5700"
	sensorUnits string = "5701"
	unitKPa     string = "kPa"
)

type Mirror struct {
	url    string
	sender SenderFunc
}

func NewMirror(url string, sender SenderFunc) *Mirror {
	if sender == nil {
		sender = Send
	}
	return &Mirror{url: url, sender: sender}
}

func (m *Mirror) Mirror(ctx context.Context, session domain.Session, r domain.Reading) error {
	return CreateAndSendAsLWM2M(ctx, session.ID, r, m.url, m.sender)
}

// CreateAndSendAsLWM2M sends one pressure and one temperature object for r.
// Both packs are attempted even if the first one fails.
func CreateAndSendAsLWM2M(ctx context.Context, deviceID string, r domain.Reading, url string, sender SenderFunc) error {
	logger := logging.GetFromContext(ctx)
	log := logger.With().Str("session_id", deviceID).Logger()

	timestamp := r.RecordedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	packs := []senml.Pack{
		newPack(PressureURN, deviceID, r.MeasuredPressure, unitKPa, timestamp),
		newPack(TemperatureURN, deviceID, r.Temperature, senml.UnitCelsius, timestamp),
	}

	var errs []error

	for _, p := range packs {
		err := sender(ctx, url, p)
		if err != nil {
			log.Debug().Err(err).Str("object", p[0].BaseName).Msg("could not send pack")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func newPack(baseName, id string, v float64, u string, t time.Time) senml.Pack {
	return senml.Pack{
		senml.Record{
			BaseName:    baseName,
			BaseTime:    float64(t.Unix()),
			Name:        "0",
			StringValue: id,
		},
		newRec(sensorValue, v, u, t),
		senml.Record{
			Name:        sensorUnits,
			StringValue: u,
		},
	}
}

func newRec(name string, v float64, u string, t time.Time) senml.Record {
	return senml.Record{
		Name:  name,
		Value: &v,
		Time:  float64(t.Unix()),
		Unit:  u,
	}
}

type SenderFunc = func(context.Context, string, senml.Pack) error

func Send(ctx context.Context, url string, pack senml.Pack) error {
	var err error

	ctx, span := tracer.Start(ctx, "send-object")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	transport := http.DefaultTransport
	if tlsSkipVerify {
		customTransport := http.DefaultTransport.(*http.Transport).Clone()
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = customTransport
	}

	httpClient := http.Client{
		Transport: otelhttp.NewTransport(transport),
		Timeout:   10 * time.Second,
	}

	var b []byte
	b, err = json.Marshal(pack)
	if err != nil {
		return err
	}

	var req *http.Request
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(b))
	if err != nil {
		return err
	}

	req.Header.Add("Content-Type", "application/senml+json")

	var resp *http.Response
	resp, err = httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}

	return err
}
