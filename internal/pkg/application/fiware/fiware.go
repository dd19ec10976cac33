package fiware

import (
	"context"
	"errors"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	. "github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/context-broker/pkg/ngsild/types/properties"
	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

const (
	CompressionSessionIDPrefix string = "urn:ngsi-ld:CompressionSession:"
	CompressionSessionTypeName string = "CompressionSession"
)

var tracer = otel.Tracer("integration-compression/fiware")

type Mirror struct {
	cbClient client.ContextBrokerClient
}

func NewMirror(cbClient client.ContextBrokerClient) *Mirror {
	return &Mirror{cbClient: cbClient}
}

func (m *Mirror) Mirror(ctx context.Context, session domain.Session, r domain.Reading) error {
	return CreateOrUpdateCompressionSession(ctx, m.cbClient, session, r)
}

// CreateOrUpdateCompressionSession merges the latest reading into the
// session entity, creating the entity the first time a session is seen.
func CreateOrUpdateCompressionSession(ctx context.Context, cbClient client.ContextBrokerClient, session domain.Session, r domain.Reading) error {
	var err error

	ctx, span := tracer.Start(ctx, "create-or-update-compression-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}

	decorators := decoratorsFor(session, r)

	var fragment types.EntityFragment
	fragment, err = entities.NewFragment(decorators...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create entity fragment")
		return err
	}

	entityID := CompressionSessionIDPrefix + session.ID

	_, err = cbClient.MergeEntity(ctx, entityID, fragment, headers)
	if err == nil {
		logger.Debug().Msgf("updated entity %s", entityID)
		return nil
	}

	if !errors.Is(err, ngsierrors.ErrNotFound) {
		logger.Error().Err(err).Msg("failed to merge entity")
		return err
	}

	var entity types.Entity
	entity, err = entities.New(entityID, CompressionSessionTypeName, decorators...)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create new entity")
		return err
	}

	_, err = cbClient.CreateEntity(ctx, entity, headers)
	if err != nil {
		logger.Error().Err(err).Msg("failed to post entity to context broker")
		return err
	}

	logger.Info().Msgf("created entity %s", entityID)

	return nil
}

func decoratorsFor(session domain.Session, r domain.Reading) []entities.EntityDecoratorFunc {
	observedAt := r.RecordedAt.UTC().Format(time.RFC3339)

	decorators := []entities.EntityDecoratorFunc{
		entities.DefaultContext(),
		DateTime(properties.DateObserved, observedAt),
		Number("measuredPressure", r.MeasuredPressure, properties.UnitCode(unitKilopascal), properties.ObservedAt(observedAt)),
		Number("temperature", r.Temperature, properties.UnitCode(unitCelsius), properties.ObservedAt(observedAt)),
	}

	if session.PatientID != "" {
		decorators = append(decorators, Text("patient", session.PatientID))
	}

	if session.TargetPressure > 0 {
		decorators = append(decorators,
			Number("targetPressure", session.TargetPressure, properties.UnitCode(unitKilopascal)),
			Number("holdTime", float64(session.HoldTimeSeconds), properties.UnitCode(unitSecond)),
		)
	}

	if r.CycleIndex != nil {
		decorators = append(decorators, Number("cycleIndex", float64(*r.CycleIndex), properties.ObservedAt(observedAt)))
	}

	return decorators
}

// UN/CEFACT common codes
const (
	unitKilopascal string = "KPA"
	unitCelsius    string = "CEL"
	unitSecond     string = "SEC"
)
