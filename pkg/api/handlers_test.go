package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace-labs/coldtrace/core/pkg/api"
	"github.com/coldtrace-labs/coldtrace/core/pkg/audit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/binding"
	"github.com/coldtrace-labs/coldtrace/core/pkg/chain"
	"github.com/coldtrace-labs/coldtrace/core/pkg/commit"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
	"github.com/coldtrace-labs/coldtrace/core/pkg/stage"
	"github.com/coldtrace-labs/coldtrace/core/pkg/telemetry"
	"github.com/coldtrace-labs/coldtrace/core/pkg/violation"
)

type testEnv struct {
	handler http.Handler
	mem     *chain.MemChain
	trail   *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := binding.NewRegistry()

	readingDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = readingDB.Close() })
	readingLog, err := telemetry.NewSQLiteReadingLog(readingDB)
	require.NoError(t, err)
	agg := telemetry.NewAggregator(reg, telemetry.WithReadingLog(readingLog))

	det := violation.NewDetector(violation.NewCatalog(), violation.Config{}, nil)

	mem := chain.NewMemChain()
	outboxDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = outboxDB.Close() })
	outbox, err := commit.NewSQLiteOutbox(outboxDB)
	require.NoError(t, err)
	orch := commit.NewOrchestrator(mem, outbox, commit.Config{}, nil)
	t.Cleanup(orch.Close)

	hyd := commit.NewHydrator(mem, nil, nil)

	authz, err := stage.NewCELAuthorizer(stage.DefaultPolicy())
	require.NoError(t, err)
	guard := stage.NewGuard(hyd, authz, orch, nil)

	trail := &bytes.Buffer{}
	svc := api.NewService(reg, agg, det, guard, orch, hyd, audit.NewLogger(trail, nil), nil)
	return &testEnv{
		handler: api.NewServer(svc, nil).Handler(nil),
		mem:     mem,
		trail:   trail,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) createShipment(t *testing.T, productType string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/shipments", map[string]string{"product_type": productType, "created_by": "producer-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var view contracts.ShipmentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	return view.ID
}

func (e *testEnv) registerAndBind(t *testing.T, shipmentID, sensorID string) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/sensors", map[string]string{"id": sensorID, "role": "transporter"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = e.do(t, http.MethodPost, "/shipments/"+shipmentID+"/bindings/transporter", map[string]string{"sensor_id": sensorID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandlers_SensorLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/sensors", map[string]string{"id": "tr-1", "role": "transporter"})
	require.Equal(t, http.StatusCreated, w.Code)

	// duplicate registration conflicts
	w = env.do(t, http.MethodPost, "/sensors", map[string]string{"id": "tr-1", "role": "transporter"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// bad role is semantically invalid
	w = env.do(t, http.MethodPost, "/sensors", map[string]string{"id": "x-1", "role": "producer"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// unbound sensor has no binding
	w = env.do(t, http.MethodGet, "/sensors/tr-1/binding", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	shipID := env.createShipment(t, "Apple")
	w = env.do(t, http.MethodPost, "/shipments/"+shipID+"/bindings/transporter", map[string]string{"sensor_id": "tr-1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/sensors/tr-1/binding", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var b contracts.Binding
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.Equal(t, shipID, b.ShipmentID)

	w = env.do(t, http.MethodDelete, "/shipments/"+shipID+"/bindings/transporter", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodGet, "/sensors/tr-1/binding", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_BindUnknownSensor(t *testing.T) {
	env := newTestEnv(t)
	shipID := env.createShipment(t, "Apple")

	w := env.do(t, http.MethodPost, "/shipments/"+shipID+"/bindings/transporter", map[string]string{"sensor_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ReadingsAndAlert(t *testing.T) {
	env := newTestEnv(t)
	shipID := env.createShipment(t, "Apple")
	env.registerAndBind(t, shipID, "tr-1")

	// unbound sensor readings conflict
	w := env.do(t, http.MethodPost, "/readings", map[string]any{"sensor_id": "nobody", "temperature": 3.0, "humidity": 90.0})
	assert.Equal(t, http.StatusConflict, w.Code)

	base := time.Now().UTC()
	var result api.ReadingResult
	// apple profile max 4C; three hot samples trip the detector
	for i := 0; i < 3; i++ {
		w = env.do(t, http.MethodPost, "/readings", map[string]any{
			"sensor_id":   "tr-1",
			"temperature": 16.0 + float64(i),
			"humidity":    90.0,
			"captured_at": base.Add(time.Duration(i) * time.Minute),
		})
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	}
	require.NotNil(t, result.Alert)
	assert.Equal(t, "Temperature Too High", result.Alert.Type)
	assert.Equal(t, 3, result.Snapshot.Samples)

	// the alert commit is asynchronous; it lands on the ledger shortly
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/shipments/"+shipID, nil)
		if w.Code != http.StatusOK {
			return false
		}
		var view contracts.ShipmentView
		if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
			return false
		}
		return len(view.Alerts) == 1
	}, 2*time.Second, 20*time.Millisecond)

	w = env.do(t, http.MethodGet, "/shipments/"+shipID+"/readings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var readings []contracts.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
	assert.Len(t, readings, 3)
}

func TestHandlers_StageTransitions(t *testing.T) {
	env := newTestEnv(t)
	shipID := env.createShipment(t, "Milk")

	// producer harvests
	w := env.do(t, http.MethodPost, "/shipments/"+shipID+"/stage", map[string]string{"stage": "Harvested", "actor_role": "producer"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Receipt contracts.CommitReceipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, contracts.ReceiptConfirmed, resp.Receipt.Status)

	// skipping a stage is a conflict
	w = env.do(t, http.MethodPost, "/shipments/"+shipID+"/stage", map[string]string{"stage": "At Retailer", "actor_role": "transporter"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// wrong role is forbidden
	w = env.do(t, http.MethodPost, "/shipments/"+shipID+"/stage", map[string]string{"stage": "In Transit", "actor_role": "retailer"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// unknown shipment is not found
	w = env.do(t, http.MethodPost, "/shipments/missing/stage", map[string]string{"stage": "Harvested", "actor_role": "producer"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// walk to the terminal stage
	for _, step := range []struct{ stage, role string }{
		{"In Transit", "transporter"},
		{"At Retailer", "retailer"},
		{"Selling", "retailer"},
	} {
		w = env.do(t, http.MethodPost, "/shipments/"+shipID+"/stage", map[string]string{"stage": step.stage, "actor_role": step.role})
		require.Equal(t, http.StatusOK, w.Code, fmt.Sprintf("%s by %s: %s", step.stage, step.role, w.Body.String()))
	}

	// terminal stage refuses further movement
	w = env.do(t, http.MethodPost, "/shipments/"+shipID+"/stage", map[string]string{"stage": "Harvested", "actor_role": "admin"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/shipments/"+shipID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view contracts.ShipmentView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.True(t, view.Final)
	assert.Len(t, view.History, 4)
}

func TestHandlers_CreateShipmentValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/shipments", map[string]string{"product_type": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodPost, "/shipments", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_ProblemDetailShape(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/shipments/missing", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "Not Found", problem.Title)
}

func TestHandlers_ListSensors(t *testing.T) {
	env := newTestEnv(t)

	for _, s := range []map[string]string{
		{"id": "t-1", "role": "transporter", "owner": "acme"},
		{"id": "t-2", "role": "transporter", "owner": "globex"},
		{"id": "r-1", "role": "retailer", "owner": "acme"},
	} {
		w := env.do(t, http.MethodPost, "/sensors", s)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	var sensors []contracts.Sensor

	w := env.do(t, http.MethodGet, "/sensors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sensors))
	assert.Len(t, sensors, 3)

	w = env.do(t, http.MethodGet, "/sensors?role=transporter", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sensors))
	assert.Len(t, sensors, 2)

	w = env.do(t, http.MethodGet, "/sensors?role=transporter&owner=acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sensors))
	require.Len(t, sensors, 1)
	assert.Equal(t, "t-1", sensors[0].ID)

	w = env.do(t, http.MethodGet, "/sensors?role=freezer", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandlers_Healthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
