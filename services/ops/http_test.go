package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tradecore-settlement/pkg/health"
	"tradecore-settlement/services/defense"
	"tradecore-settlement/services/job"
	"tradecore-settlement/services/ledger"
	"tradecore-settlement/services/onchain"
	"tradecore-settlement/services/revenue"
	"tradecore-settlement/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type opsFixture struct {
	engine *gin.Engine
	store  *job.Store
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	db := testutil.NewTestDB(t,
		&job.Job{},
		&revenue.RevenueEvent{},
		&revenue.RevenueStream{},
		&ledger.LedgerEntry{},
		&ledger.Checkpoint{},
		&defense.FeeParameter{},
		&defense.FeeParameterChange{},
	)

	store := job.NewStore(db, node)
	recorder := revenue.NewRecorder(db, node)
	require.NoError(t, recorder.SeedStreams(context.Background()))

	defenseSvc := defense.NewService(db, node, defense.Config{TimelockDelay: time.Millisecond})
	require.NoError(t, defenseSvc.SeedParameters(context.Background()))

	svc := NewService(
		store,
		recorder,
		ledger.NewAggregator(db, 100, time.Nanosecond, nil),
		onchain.NewWorker(db, nil, onchain.Config{}, nil),
		defenseSvc,
	)

	healthSvc := health.ProvideHealth(health.HealthParams{DB: db})
	handler := NewHandler(svc, healthSvc, prometheus.NewRegistry())

	engine := gin.New()
	handler.Register(engine)

	return &opsFixture{engine: engine, store: store}
}

func (f *opsFixture) request(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	out := map[string]interface{}{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealthAndQueueStats(t *testing.T) {
	f := newOpsFixture(t)

	w, _ := f.request(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)

	_, err := f.store.Enqueue(context.Background(), job.TypeReferralUpdate,
		job.ReferralUpdatePayload{TradeID: "t", UserID: "u", Notional: decimal.NewFromInt(10)})
	require.NoError(t, err)

	w, body := f.request(t, http.MethodGet, "/v1/queue/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, body["pending"])
	require.EqualValues(t, 0, body["dead_letter"])
}

func TestDeadLetterListAndRequeue(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()

	id, err := f.store.Enqueue(ctx, job.TypeReferralUpdate,
		job.ReferralUpdatePayload{TradeID: "t", UserID: "u", Notional: decimal.NewFromInt(10)},
		job.WithMaxAttempts(1))
	require.NoError(t, err)

	claimed, err := f.store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.store.Apply(ctx, job.Transition(claimed[0], context.DeadlineExceeded, time.Now().UTC())))

	w, body := f.request(t, http.MethodGet, "/v1/jobs/dead-letter", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["jobs"], 1)

	w, _ = f.request(t, http.MethodPost, fmt.Sprintf("/v1/jobs/dead-letter/%d/requeue", id), "")
	require.Equal(t, http.StatusOK, w.Code)

	// Second requeue finds nothing dead-lettered.
	w, _ = f.request(t, http.MethodPost, fmt.Sprintf("/v1/jobs/dead-letter/%d/requeue", id), "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestParameterChangeEndpoints(t *testing.T) {
	f := newOpsFixture(t)

	// Hard cap violations are rejected at request time.
	w, _ := f.request(t, http.MethodPost, "/v1/defense/parameters",
		`{"name":"taker_fee_bps","value":9999,"requested_by":"ops"}`)
	require.Equal(t, http.StatusForbidden, w.Code)

	w, body := f.request(t, http.MethodPost, "/v1/defense/parameters",
		`{"name":"taker_fee_bps","value":150,"requested_by":"ops"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	// snowflake IDs marshal as strings to survive JSON number precision.
	rawID, ok := body["id"].(string)
	require.True(t, ok, "change id missing from response")

	time.Sleep(5 * time.Millisecond)

	w, _ = f.request(t, http.MethodPost,
		fmt.Sprintf("/v1/defense/parameters/%s/execute", rawID), "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = f.request(t, http.MethodGet, "/v1/defense/parameters", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NotEmpty(t, body["parameters"])
}

func TestStreamAndAggregatorSnapshots(t *testing.T) {
	f := newOpsFixture(t)

	w, body := f.request(t, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["streams"], 10)

	w, _ = f.request(t, http.MethodGet, "/v1/aggregator/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, body = f.request(t, http.MethodGet, "/v1/onchain/failures", "")
	require.Equal(t, http.StatusOK, w.Code)

	w, _ = f.request(t, http.MethodGet, "/v1/defense/report", "")
	require.Equal(t, http.StatusOK, w.Code)
}
