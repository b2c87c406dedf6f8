//go:build integration

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

var (
	baseURL    string
	httpClient *http.Client
)

// Response types are defined locally to keep these tests black-box.

type productResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Price       float64 `json:"price"`
	Stock       int     `json:"stock"`
	Image       string  `json:"image"`
}

type detailResponse struct {
	ProductID int64   `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price"`
	Subtotal  float64 `json:"subtotal"`
}

type purchaseResponse struct {
	ID           int64            `json:"id"`
	UserID       int64            `json:"user_id"`
	Status       string           `json:"status"`
	Total        float64          `json:"total"`
	PurchaseDate time.Time        `json:"purchase_date"`
	Details      []detailResponse `json:"details"`
	Created      *bool            `json:"created,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type detail struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

type purchaseRequest struct {
	UserID  int64    `json:"user_id"`
	Status  string   `json:"status"`
	Details []detail `json:"details"`
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func startContainer(ctx context.Context, req testcontainers.ContainerRequest) (testcontainers.Container, string, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}
	host, err := c.Host(ctx)
	if err != nil {
		return c, "", err
	}
	port, err := c.MappedPort(ctx, nat.Port(req.ExposedPorts[0]))
	if err != nil {
		return c, "", err
	}
	return c, net.JoinHostPort(host, port.Port()), nil
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg, pgAddr, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kart",
			"POSTGRES_PASSWORD": "kart",
			"POSTGRES_DB":       "kart",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	})
	if pg != nil {
		defer func() { _ = testcontainers.TerminateContainer(pg) }()
	}
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}

	rd, redisAddr, err := startContainer(ctx, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	if rd != nil {
		defer func() { _ = testcontainers.TerminateContainer(rd) }()
	}
	if err != nil {
		log.Printf("start redis: %v", err)
		return 1
	}

	addr, err := freeAddr()
	if err != nil {
		log.Printf("pick port: %v", err)
		return 1
	}

	cfg := &Config{
		Addr:         addr,
		DatabaseURL:  fmt.Sprintf("postgres://kart:kart@%s/kart?sslmode=disable", pgAddr),
		ImageBaseURL: "https://cdn.example.com/",
		DB:           DBConfig{MaxConns: 20, LockTimeout: 5 * time.Second},
		Redis:        RedisConfig{URL: "redis://" + redisAddr + "/0", KeyTTL: time.Minute},
		RateLimit:    RateLimitConfig{Max: 100_000, WriteMax: 100_000, Window: time.Minute},
		Graceful:     GracefulConfig{ShutdownTimeout: 5 * time.Second},
	}

	lg := zap.NewNop()
	runCtx, stop := context.WithCancel(zctx.Base(context.Background(), lg))
	done := make(chan error, 1)
	go func() {
		done <- run(runCtx, lg, cfg, tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	}()

	baseURL = "http://" + addr
	httpClient = &http.Client{Timeout: 10 * time.Second}
	if err := waitReady(ctx, done); err != nil {
		stop()
		log.Printf("wait for server: %v", err)
		return 1
	}

	code := m.Run()

	stop()
	if err := <-done; err != nil {
		log.Printf("server: %v", err)
		return 1
	}
	return code
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().String(), nil
}

func waitReady(ctx context.Context, done <-chan error) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			return fmt.Errorf("server exited early: %w", err)
		case <-ticker.C:
			resp, err := httpClient.Get(baseURL + "/readyz")
			if err != nil {
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// HTTP helpers.

func call(t *testing.T, method, path string, body any, header http.Header) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, baseURL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func newProduct(t *testing.T, price string, stock int) productResponse {
	t.Helper()
	status, body := call(t, http.MethodPost, "/api/products", map[string]any{
		"name":        "Widget",
		"description": "End to end",
		"price":       price,
		"stock":       stock,
		"image":       "widget.png",
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	return decode[productResponse](t, body)
}

func stock(t *testing.T, id int64) int {
	t.Helper()
	status, body := call(t, http.MethodGet, fmt.Sprintf("/api/products/%d", id), nil, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	return decode[productResponse](t, body).Stock
}

func TestHealth(t *testing.T) {
	for _, path := range []string{"/livez", "/readyz"} {
		status, body := call(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, status, path)
		assert.JSONEq(t, `{"status":"ok"}`, string(body))
	}
}

func TestRequestIDHeader(t *testing.T) {
	status, _ := call(t, http.MethodGet, "/api/purchases", nil, http.Header{"X-Request-Id": {"e2e-request-1"}})
	assert.Equal(t, http.StatusOK, status)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/purchases", nil)
	require.NoError(t, err)
	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestProductLifecycle(t *testing.T) {
	p := newProduct(t, "12.50", 0)
	assert.Equal(t, "https://cdn.example.com/widget.png", p.Image)
	assert.Equal(t, 0, p.Stock)

	status, body := call(t, http.MethodPut, fmt.Sprintf("/api/products/%d", p.ID), map[string]any{
		"name":        "Widget v2",
		"description": "Updated",
		"price":       "13",
		"stock":       4,
		"image":       "widget2.png",
	}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "Widget v2", decode[productResponse](t, body).Name)
	assert.Equal(t, 4, stock(t, p.ID))

	status, _ = call(t, http.MethodPost, "/api/products", map[string]any{"name": "x"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, http.MethodDelete, fmt.Sprintf("/api/products/%d", p.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, http.MethodGet, fmt.Sprintf("/api/products/%d", p.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPurchaseLifecycle(t *testing.T) {
	a := newProduct(t, "19.99", 10)
	b := newProduct(t, "5", 3)

	status, body := call(t, http.MethodPost, "/api/purchases", purchaseRequest{
		UserID: 7,
		Status: "pending",
		Details: []detail{
			{ProductID: a.ID, Quantity: 2, Price: "19.99"},
			{ProductID: b.ID, Quantity: 1, Price: "5"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	created := decode[purchaseResponse](t, body)
	assert.InDelta(t, 44.98, created.Total, 1e-9)
	require.Len(t, created.Details, 2)
	assert.Equal(t, 8, stock(t, a.ID))
	assert.Equal(t, 2, stock(t, b.ID))

	status, body = call(t, http.MethodGet, fmt.Sprintf("/api/purchases/%d", created.ID), nil, nil)
	require.Equal(t, http.StatusOK, status)
	got := decode[purchaseResponse](t, body)
	assert.Equal(t, created.Total, got.Total)
	assert.True(t, created.PurchaseDate.Equal(got.PurchaseDate))

	// Replace the items: a is fully restored, b goes to 0.
	status, body = call(t, http.MethodPut, fmt.Sprintf("/api/purchases/%d", created.ID), purchaseRequest{
		UserID:  7,
		Status:  "paid",
		Details: []detail{{ProductID: b.ID, Quantity: 3, Price: "5"}},
	}, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	updated := decode[purchaseResponse](t, body)
	require.NotNil(t, updated.Created)
	assert.False(t, *updated.Created)
	assert.InDelta(t, 15.0, updated.Total, 1e-9)
	assert.Equal(t, 10, stock(t, a.ID))
	assert.Equal(t, 0, stock(t, b.ID))

	status, _ = call(t, http.MethodDelete, fmt.Sprintf("/api/products/%d", b.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = call(t, http.MethodDelete, fmt.Sprintf("/api/purchases/%d", created.ID), nil, nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, 3, stock(t, b.ID))

	status, _ = call(t, http.MethodGet, fmt.Sprintf("/api/purchases/%d", created.ID), nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPurchaseErrors(t *testing.T) {
	p := newProduct(t, "2", 1)

	status, body := call(t, http.MethodPost, "/api/purchases", purchaseRequest{
		UserID:  1,
		Status:  "pending",
		Details: []detail{{ProductID: p.ID, Quantity: 2, Price: "2"}},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, http.StatusConflict, decode[errorResponse](t, body).Code)
	assert.Equal(t, 1, stock(t, p.ID))

	status, _ = call(t, http.MethodPost, "/api/purchases", purchaseRequest{
		UserID:  1,
		Status:  "pending",
		Details: []detail{{ProductID: 999_999_999, Quantity: 1, Price: "2"}},
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, http.MethodPost, "/api/purchases", purchaseRequest{UserID: 1, Status: "pending"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, http.MethodGet, "/api/purchases/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = call(t, http.MethodPost, "/api/purchases", purchaseRequest{
		UserID:  1,
		Status:  "completed",
		Details: []detail{{ProductID: p.ID, Quantity: 1, Price: "2"}},
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	done := decode[purchaseResponse](t, body)

	status, _ = call(t, http.MethodDelete, fmt.Sprintf("/api/purchases/%d", done.ID), nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	status, _ = call(t, http.MethodPut, fmt.Sprintf("/api/purchases/%d", done.ID), purchaseRequest{
		UserID:  1,
		Status:  "pending",
		Details: []detail{{ProductID: p.ID, Quantity: 1, Price: "2"}},
	}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestIdempotencyKey(t *testing.T) {
	p := newProduct(t, "3", 5)
	req := purchaseRequest{
		UserID:  2,
		Status:  "pending",
		Details: []detail{{ProductID: p.ID, Quantity: 1, Price: "3"}},
	}
	key := http.Header{"Idempotency-Key": {fmt.Sprintf("e2e-%d", p.ID)}}

	status, body := call(t, http.MethodPost, "/api/purchases", req, key)
	require.Equal(t, http.StatusCreated, status, string(body))
	first := decode[purchaseResponse](t, body)

	status, body = call(t, http.MethodPost, "/api/purchases", req, key)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, first.ID, decode[purchaseResponse](t, body).ID)
	assert.Equal(t, 4, stock(t, p.ID))
}

func TestConcurrentLastUnit(t *testing.T) {
	p := newProduct(t, "1", 1)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _ := call(t, http.MethodPost, "/api/purchases", purchaseRequest{
				UserID:  int64(i + 1),
				Status:  "pending",
				Details: []detail{{ProductID: p.ID, Quantity: 1, Price: "1"}},
			}, nil)
			mu.Lock()
			statuses[status]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[http.StatusCreated], statuses)
	assert.Equal(t, workers-1, statuses[http.StatusConflict], statuses)
	assert.Equal(t, 0, stock(t, p.ID))
}

func TestUpsertCreatesWithID(t *testing.T) {
	p := newProduct(t, "4", 2)
	id := time.Now().UnixNano() % 1_000_000_000

	status, body := call(t, http.MethodPut, fmt.Sprintf("/api/purchases/%d", id), purchaseRequest{
		UserID:  3,
		Status:  "pending",
		Details: []detail{{ProductID: p.ID, Quantity: 2, Price: "4"}},
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	res := decode[purchaseResponse](t, body)
	assert.Equal(t, id, res.ID)
	require.NotNil(t, res.Created)
	assert.True(t, *res.Created)
	assert.Equal(t, 0, stock(t, p.ID))

	status, body = call(t, http.MethodGet, "/api/purchases", nil, nil)
	require.Equal(t, http.StatusOK, status)
	var found bool
	for _, pr := range decode[[]purchaseResponse](t, body) {
		if pr.ID == id {
			found = true
			assert.Len(t, pr.Details, 1)
		}
	}
	assert.True(t, found)
}
