// Command purchase-stress races concurrent purchases for a single product
// against a running server and checks that stock is never oversold.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type config struct {
	baseURL  string
	stock    int
	requests int
	quantity int
	timeout  time.Duration
}

type results struct {
	created      atomic.Int64
	insufficient atomic.Int64
	retryable    atomic.Int64
	other        atomic.Int64
}

func main() {
	var cfg config
	flag.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "server base URL")
	flag.IntVar(&cfg.stock, "stock", 20, "initial stock of the contended product")
	flag.IntVar(&cfg.requests, "requests", 50, "number of concurrent purchase requests")
	flag.IntVar(&cfg.quantity, "quantity", 1, "units bought per request")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ok, err := run(ctx, lg, cfg)
	if err != nil {
		lg.Fatal("Stress run failed", zap.Error(err))
	}
	if !ok {
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, cfg config) (bool, error) {
	if cfg.stock < 0 || cfg.requests <= 0 || cfg.quantity <= 0 {
		return false, errors.New("stock must be non-negative, requests and quantity positive")
	}
	client := &http.Client{Timeout: cfg.timeout}

	productID, err := createProduct(ctx, client, cfg)
	if err != nil {
		return false, errors.Wrap(err, "create product")
	}
	lg.Info("Created contended product", zap.Int64("product_id", productID), zap.Int("stock", cfg.stock))

	var res results
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := range cfg.requests {
		g.Go(func() error {
			status, err := postPurchase(gctx, client, cfg, int64(i+1), productID)
			if err != nil {
				return err
			}
			switch status {
			case http.StatusCreated:
				res.created.Add(1)
			case http.StatusConflict:
				res.insufficient.Add(1)
			case http.StatusServiceUnavailable:
				res.retryable.Add(1)
			default:
				lg.Warn("Unexpected status", zap.Int("status", status))
				res.other.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	elapsed := time.Since(start)

	finalStock, err := productStock(ctx, client, cfg.baseURL, productID)
	if err != nil {
		return false, errors.Wrap(err, "read final stock")
	}

	created := int(res.created.Load())
	lg.Info("Stress run finished",
		zap.Int("requests", cfg.requests),
		zap.Int("created", created),
		zap.Int64("insufficient", res.insufficient.Load()),
		zap.Int64("retryable", res.retryable.Load()),
		zap.Int64("other", res.other.Load()),
		zap.Int("final_stock", finalStock),
		zap.Duration("duration", elapsed),
	)

	ok := true
	if want := cfg.stock - created*cfg.quantity; finalStock != want {
		lg.Error("Stock mismatch", zap.Int("expected", want), zap.Int("actual", finalStock))
		ok = false
	}
	if finalStock < 0 {
		lg.Error("Stock oversold", zap.Int("final_stock", finalStock))
		ok = false
	}
	if res.retryable.Load() == 0 {
		if want := min(cfg.requests, cfg.stock/cfg.quantity); created != want {
			lg.Error("Unexpected number of purchases", zap.Int("expected", want), zap.Int("actual", created))
			ok = false
		}
	}
	return ok, nil
}

func createProduct(ctx context.Context, client *http.Client, cfg config) (int64, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("name")
	e.Str(fmt.Sprintf("Flash sale item %d", time.Now().UnixNano()))
	e.FieldStart("description")
	e.Str("Contended by purchase-stress")
	e.FieldStart("price")
	e.Str("1.00")
	e.FieldStart("stock")
	e.Int(cfg.stock)
	e.FieldStart("image")
	e.Str("stress.png")
	e.ObjEnd()

	status, body, err := do(ctx, client, http.MethodPost, cfg.baseURL+"/api/products", e.Bytes())
	if err != nil {
		return 0, err
	}
	if status != http.StatusCreated {
		return 0, errors.Errorf("unexpected status %d: %s", status, body)
	}
	return intField(body, "id")
}

func postPurchase(ctx context.Context, client *http.Client, cfg config, userID, productID int64) (int, error) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.ObjStart()
	e.FieldStart("user_id")
	e.Int64(userID)
	e.FieldStart("status")
	e.Str("pending")
	e.FieldStart("details")
	e.ArrStart()
	e.ObjStart()
	e.FieldStart("product_id")
	e.Int64(productID)
	e.FieldStart("quantity")
	e.Int(cfg.quantity)
	e.FieldStart("price")
	e.Str("1.00")
	e.ObjEnd()
	e.ArrEnd()
	e.ObjEnd()

	status, _, err := do(ctx, client, http.MethodPost, cfg.baseURL+"/api/purchases", e.Bytes())
	return status, err
}

func productStock(ctx context.Context, client *http.Client, baseURL string, id int64) (int, error) {
	status, body, err := do(ctx, client, http.MethodGet, baseURL+"/api/products/"+strconv.FormatInt(id, 10), nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d: %s", status, body)
	}
	stock, err := intField(body, "stock")
	return int(stock), err
}

func do(ctx context.Context, client *http.Client, method, url string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "build request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s", method, url)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, data, nil
}

// intField extracts a top-level integer field from a JSON object.
func intField(body []byte, name string) (int64, error) {
	var (
		v     int64
		found bool
	)
	err := jx.DecodeBytes(body).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != name {
			return d.Skip()
		}
		found = true
		n, err := d.Int64()
		v = n
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "decode response")
	}
	if !found {
		return 0, errors.Errorf("response has no %q field", name)
	}
	return v, nil
}
