package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diwise/integration-compression/internal/pkg/application"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/device"
	"github.com/diwise/integration-compression/internal/pkg/infrastructure/memstore"
	"github.com/go-chi/chi"
	"github.com/matryer/is"
	"github.com/rs/zerolog/log"
)

const testPort string = "/dev/ttyUSB0"

func TestThatHealthEndpointReturns204(t *testing.T) {
	is := is.New(t)

	r, _ := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, _ := testRequest(is, ts, "GET", "/health", nil)

	is.Equal(resp.StatusCode, http.StatusNoContent) // health endpoint status code not ok
}

func TestThatAFullMonitoringRunCanBeDriven(t *testing.T) {
	is := is.New(t)

	r, link := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, body := testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":"p1","targetPressure":30,"holdTimeSeconds":10}`))
	is.Equal(resp.StatusCode, http.StatusCreated)
	is.True(strings.Contains(body, `"targetPressure":30`))

	resp, _ = testRequest(is, ts, "PUT", "/api/device", strings.NewReader(`{"name":"`+testPort+`"}`))
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, ts, "POST", "/api/connect", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, ts, "POST", "/api/start", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
	is.Equal(link.Written(), []string{"I"})

	resp, _ = testRequest(is, ts, "POST", "/api/reset", nil)
	is.Equal(resp.StatusCode, http.StatusConflict) // reset while monitoring

	resp, _ = testRequest(is, ts, "POST", "/api/stop", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, body = testRequest(is, ts, "GET", "/api/state", nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	state := application.State{}
	is.NoErr(json.Unmarshal([]byte(body), &state))
	is.True(state.Control.Connected)
	is.True(!state.Control.Monitoring)
	is.True(state.Permissions.CanStart)

	resp, _ = testRequest(is, ts, "POST", "/api/reset", nil)
	is.Equal(resp.StatusCode, http.StatusNoContent)
}

func TestThatSessionsCanBeListed(t *testing.T) {
	is := is.New(t)

	r, _ := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	_, body := testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":"p1","targetPressure":30,"holdTimeSeconds":10}`))

	created := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(body), &created))
	id := created["id"].(string)

	resp, body := testRequest(is, ts, "GET", "/api/sessions/"+id, nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, id))

	resp, body = testRequest(is, ts, "GET", "/api/patients/p1/sessions", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, id))

	resp, _ = testRequest(is, ts, "GET", "/api/sessions/unknown", nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestThatInvalidSessionIsAConflict(t *testing.T) {
	is := is.New(t)

	r, _ := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, _ := testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":"p1","targetPressure":0,"holdTimeSeconds":10}`))
	is.Equal(resp.StatusCode, http.StatusConflict)

	resp, _ = testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":`))
	is.Equal(resp.StatusCode, http.StatusBadRequest)
}

func TestThatDeviceAccessCanBeGrantedOrCancelled(t *testing.T) {
	is := is.New(t)

	r, _ := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	resp, body := testRequest(is, ts, "GET", "/api/devices", nil)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(!strings.Contains(body, "/dev/ttyACM0"))

	resp, _ = testRequest(is, ts, "POST", "/api/devices/access", strings.NewReader(`{"name":""}`))
	is.Equal(resp.StatusCode, http.StatusNoContent)

	resp, _ = testRequest(is, ts, "POST", "/api/devices/access", strings.NewReader(`{"name":"/dev/ttyS9"}`))
	is.Equal(resp.StatusCode, http.StatusNotFound)

	resp, _ = testRequest(is, ts, "POST", "/api/devices/access", strings.NewReader(`{"name":"/dev/ttyACM0"}`))
	is.Equal(resp.StatusCode, http.StatusOK)

	_, body = testRequest(is, ts, "GET", "/api/devices", nil)
	is.True(strings.Contains(body, "/dev/ttyACM0"))
}

func TestThatConnectFailureIsServiceUnavailable(t *testing.T) {
	is := is.New(t)

	r, link := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":"p1","targetPressure":30,"holdTimeSeconds":10}`))
	testRequest(is, ts, "PUT", "/api/device", strings.NewReader(`{"name":"`+testPort+`"}`))

	link.FailOpen(io.ErrUnexpectedEOF)

	resp, _ := testRequest(is, ts, "POST", "/api/connect", nil)
	is.Equal(resp.StatusCode, http.StatusServiceUnavailable)
}

func TestThatDeviceErrorsMapToStatusCodes(t *testing.T) {
	is := is.New(t)

	is.Equal(statusFor(fmt.Errorf("%w: busy", application.ErrValidation)), http.StatusConflict)
	is.Equal(statusFor(fmt.Errorf("%w: gone", device.ErrUnknownPort)), http.StatusNotFound)
	is.Equal(statusFor(fmt.Errorf("%w: shut down while connecting", device.ErrClosed)), http.StatusServiceUnavailable)
	is.Equal(statusFor(fmt.Errorf("%w: short write", device.ErrIO)), http.StatusBadGateway)
}

func TestThatReadingsAreStreamedAsServerSentEvents(t *testing.T) {
	is := is.New(t)

	r, link := newRouterForTesting(t)
	ts := httptest.NewServer(r.router)
	defer ts.Close()

	testRequest(is, ts, "POST", "/api/sessions", strings.NewReader(`{"patientId":"p1","targetPressure":30,"holdTimeSeconds":10}`))
	testRequest(is, ts, "PUT", "/api/device", strings.NewReader(`{"name":"`+testPort+`"}`))
	testRequest(is, ts, "POST", "/api/connect", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/readings/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	is.Equal(resp.Header.Get("Content-Type"), "text/event-stream")

	link.Feed(`{"p":250,"t":30}`)

	scanner := bufio.NewScanner(resp.Body)
	var data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}

	is.True(strings.Contains(data, `"measuredPressure":200`))
}

func newRouterForTesting(t *testing.T) (*routerStruct, *device.Scripted) {
	link := device.NewScripted(device.Port{Name: testPort, USB: true}, device.Port{Name: "/dev/ttyACM0", USB: true})
	link.Grant(testPort)

	app := application.New(context.Background(), memstore.New(), link)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		app.Shutdown(ctx)
	})

	r := chi.NewRouter()
	log := log.Logger

	return SetupRouter(r, app, log), link
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader) (*http.Response, string) {
	req, _ := http.NewRequest(method, ts.URL+path, body)
	resp, _ := http.DefaultClient.Do(req)
	respBody, _ := io.ReadAll(resp.Body)
	defer resp.Body.Close()

	return resp, string(respBody)
}
