package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClientConfig(baseURL string) Config {
	return Config{
		BaseURL:     baseURL,
		Timeout:     2 * time.Second,
		MaxRetries:  5,
		BackoffUnit: time.Millisecond,
	}
}

func TestClient_RetriesOn5xxThenSucceeds(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var signalHits, reconnectHits, handlerCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/signal":
			signalHits++
			if signalHits <= 2 {
				http.Error(w, "bridge restarting", http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(SignalSnapshot{
				Symbol:    "2330",
				Price:     580.5,
				Volume:    12345,
				Timestamp: time.Now().UTC(),
			})
		case "/reconnect":
			reconnectHits++
			http.Error(w, "broker still down", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)
	client.SetReconnectHandler(func() { handlerCalls++ })

	snap, err := client.GetSignal(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "2330", snap.Symbol)
	assert.Equal(t, 580.5, snap.Price)
	assert.Equal(t, 3, signalHits, "two failures then one success")
	assert.Equal(t, 1, reconnectHits, "only the first failure of an outage requests a reconnect")
	assert.Equal(t, 1, handlerCalls, "recovery fires the handler once")
	assert.True(t, client.IsConnected())
}

func TestClient_ExhaustsRetriesAndFailsClosed(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var signalHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/signal" {
			signalHits++
		}
		http.Error(w, "broker gone", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.MaxRetries = 2
	client := NewClient(cfg, log)

	_, err := client.GetSignal(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 3, signalHits, "initial call plus two retries")
	assert.False(t, client.IsConnected())
}

func TestClient_FourXXIsTerminal(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var hits, reconnectHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reconnect" {
			reconnectHits++
			return
		}
		hits++
		http.Error(w, "unknown symbol", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)
	_, err := client.DryRunOrder(context.Background(), map[string]interface{}{"symbol": "9999"})

	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, 1, hits, "4xx responses are not retried")
	assert.Equal(t, 0, reconnectHits)
	assert.True(t, client.IsConnected(), "a 4xx still proves the bridge is reachable")
	assert.NotErrorIs(t, err, ErrBrokerUnavailable)
}

func TestClient_DryRunEchoesPayload(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var capturedBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order/dry-run", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&capturedBody))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(OrderResult{
			Accepted: true,
			Message:  "validated",
			Echo:     capturedBody,
		})
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)
	order := map[string]interface{}{
		"symbol":   "2330",
		"action":   "BUY",
		"quantity": float64(1000),
	}

	result, err := client.DryRunOrder(context.Background(), order)

	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, order, capturedBody)
	assert.Equal(t, "2330", result.Echo["symbol"])
}

func TestClient_ReconnectIsSingleFlight(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var mu sync.Mutex
	reconnectHits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/reconnect", r.URL.Path)
		mu.Lock()
		reconnectHits++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.tryReconnect(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reconnectHits, "queued callers must observe the restored flag, not re-request")
	assert.True(t, client.IsConnected())
}

func TestClient_ContextCancellationStopsRetrying(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var signalHits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/signal" {
			signalHits++
		}
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.BackoffUnit = 50 * time.Millisecond // first wait is 100ms, well past the deadline
	client := NewClient(cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.GetSignal(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 1, signalHits, "cancellation aborts before the second attempt")
}

func TestClient_RunDataOp(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var capturedMethod, capturedPath string
	var capturedParams map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&capturedParams)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(DataOpResult{
			Status:  "ok",
			Message: "pipeline started",
		})
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)

	t.Run("status is a read", func(t *testing.T) {
		result, err := client.RunDataOp(context.Background(), DataOpStatus, nil)
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, capturedMethod)
		assert.Equal(t, "/data/status", capturedPath)
		assert.Equal(t, "ok", result.Status)
	})

	t.Run("pipeline ops are triggers", func(t *testing.T) {
		params := map[string]interface{}{"days": float64(90)}
		result, err := client.RunDataOp(context.Background(), DataOpPopulate, params)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, capturedMethod)
		assert.Equal(t, "/data/populate-data", capturedPath)
		assert.Equal(t, params, capturedParams)
		assert.Equal(t, "pipeline started", result.Message)
	})

	t.Run("unknown op is rejected locally", func(t *testing.T) {
		_, err := client.RunDataOp(context.Background(), DataOp("drop-tables"), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown data operation")
	})
}

func TestClient_CancelOrderUsesDelete(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var capturedMethod, capturedPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedMethod = r.Method
		capturedPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(testClientConfig(server.URL), log)
	err := client.CancelOrder(context.Background(), "ORD-77")

	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, capturedMethod)
	assert.Equal(t, "/order/ORD-77", capturedPath)
}

func TestClient_PassphraseHeader(t *testing.T) {
	log := zerolog.New(nil).Level(zerolog.Disabled)

	var captured []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = append(captured, r.Header.Get("X-Trader-Passphrase"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := testClientConfig(server.URL)
	cfg.Passphrase = "open-sesame"
	client := NewClient(cfg, log)
	_, err := client.Health(context.Background())
	require.NoError(t, err)

	bare := NewClient(testClientConfig(server.URL), log)
	_, err = bare.Health(context.Background())
	require.NoError(t, err)

	require.Len(t, captured, 2)
	assert.Equal(t, "open-sesame", captured[0])
	assert.Empty(t, captured[1], "no header without a passphrase")
}
