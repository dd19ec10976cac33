// Package backend is a REST client for the remote session persistence service.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/integration-compression/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-compression/backend")

type Client struct {
	baseUrl    string
	httpClient http.Client
}

func New(baseUrl string) *Client {
	return &Client{
		baseUrl: strings.TrimSuffix(baseUrl, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) CreateSession(ctx context.Context, cfg domain.SessionConfig) (domain.Session, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	session := domain.Session{}
	err = c.do(ctx, http.MethodPost, "/api/v0/sessions", cfg, http.StatusCreated, &session)

	return session, err
}

type appendReadingRequest struct {
	SessionID        string  `json:"sessionId"`
	MeasuredPressure float64 `json:"measuredPressure"`
	Temperature      float64 `json:"temperature"`
	CycleIndex       *int    `json:"cycleIndex,omitempty"`
}

func (c *Client) AppendReading(ctx context.Context, sessionID string, r domain.Reading) (domain.Reading, error) {
	var err error

	ctx, span := tracer.Start(ctx, "append-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body := appendReadingRequest{
		SessionID:        sessionID,
		MeasuredPressure: r.MeasuredPressure,
		Temperature:      r.Temperature,
		CycleIndex:       r.CycleIndex,
	}

	stored := domain.Reading{}
	path := fmt.Sprintf("/api/v0/sessions/%s/readings", url.PathEscape(sessionID))
	err = c.do(ctx, http.MethodPost, path, body, http.StatusCreated, &stored)

	return stored, err
}

func (c *Client) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	session := domain.Session{}
	err = c.do(ctx, http.MethodGet, "/api/v0/sessions/"+url.PathEscape(sessionID), nil, http.StatusOK, &session)

	return session, err
}

func (c *Client) ListSessions(ctx context.Context) ([]domain.Session, error) {
	var err error

	ctx, span := tracer.Start(ctx, "list-sessions")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	sessions := []domain.Session{}
	err = c.do(ctx, http.MethodGet, "/api/v0/sessions", nil, http.StatusOK, &sessions)
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

func (c *Client) ListSessionsByPatient(ctx context.Context, patientID string) ([]domain.Session, error) {
	var err error

	ctx, span := tracer.Start(ctx, "list-sessions-by-patient")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	sessions := []domain.Session{}
	path := fmt.Sprintf("/api/v0/patients/%s/sessions", url.PathEscape(patientID))
	err = c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &sessions)
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, expectedStatus int, result any) error {
	var reqBody io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseUrl+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", domain.ErrSessionNotFound, method, path)
	}

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s %s", domain.ErrSessionEnded, method, path)
	}

	if resp.StatusCode != expectedStatus {
		return fmt.Errorf("request failed, expected status code %d, got %d", expectedStatus, resp.StatusCode)
	}

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	err = json.Unmarshal(respBytes, result)
	if err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}
