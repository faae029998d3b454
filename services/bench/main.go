// Command bench drives concurrent checkouts against a running store service and checks that
// the number of sold units matches the number of successful orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/matheusmosca/account-store/internal/auth"
	"github.com/matheusmosca/account-store/internal/logger"
)

type options struct {
	baseURL   string
	jwtSecret string
	buyers    int
	requests  int
	units     int
	price     int64
	funds     int64
	timeout   time.Duration
}

type product struct {
	ID int64 `json:"id"`
}

type claim struct {
	ID uuid.UUID `json:"id"`
}

type stock struct {
	Available int `json:"available"`
}

type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

type report struct {
	succeeded atomic.Int64
	byKind    sync.Map
	latency   atomic.Int64
}

func (r *report) fail(kind string) {
	counter, _ := r.byKind.LoadOrStore(kind, new(atomic.Int64))
	counter.(*atomic.Int64).Add(1)
}

func main() {
	var opts options
	flag.StringVar(&opts.baseURL, "url", getEnv("STORE_URL", "http://localhost:8080"), "store service base URL")
	flag.StringVar(&opts.jwtSecret, "jwt-secret", os.Getenv("JWT_SECRET"), "secret used to sign test tokens")
	flag.IntVar(&opts.buyers, "buyers", 20, "number of distinct buyers")
	flag.IntVar(&opts.requests, "requests", 200, "total buy-now requests")
	flag.IntVar(&opts.units, "units", 50, "stock units to import")
	flag.Int64Var(&opts.price, "price", 10000, "product price")
	flag.Int64Var(&opts.funds, "funds", 50000, "top-up per buyer")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	log, err := logger.New(getEnv("APP_ENV", "development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Fatal("benchmark failed", zap.Error(err))
	}
}

func run(ctx context.Context, opts options, log *zap.Logger) error {
	if opts.jwtSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	tokens := auth.NewTokenVerifier(opts.jwtSecret)

	adminToken, err := tokens.Issue(auth.Principal{UserID: "bench-admin", Role: auth.RoleAdmin}, time.Hour)
	if err != nil {
		return fmt.Errorf("issue admin token: %w", err)
	}

	client := resty.New().
		SetBaseURL(opts.baseURL).
		SetTimeout(opts.timeout).
		SetHeader("Content-Type", "application/json")

	productID, err := setupProduct(ctx, client, adminToken, opts)
	if err != nil {
		return err
	}
	log.Info("product ready", zap.Int64("product_id", productID), zap.Int("units", opts.units))

	buyerTokens := make([]string, opts.buyers)
	for i := range buyerTokens {
		userID := "bench-user-" + strconv.Itoa(i)
		tok, err := tokens.Issue(auth.Principal{UserID: userID, Role: auth.RoleUser}, time.Hour)
		if err != nil {
			return fmt.Errorf("issue token for %s: %w", userID, err)
		}
		if err := fund(ctx, client, tok, adminToken, opts.funds); err != nil {
			return fmt.Errorf("fund %s: %w", userID, err)
		}
		buyerTokens[i] = tok
	}
	log.Info("buyers funded", zap.Int("buyers", opts.buyers), zap.Int64("funds", opts.funds))

	rep := &report{}
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < opts.requests; i++ {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			buyNow(ctx, client, tok, productID, rep)
		}(buyerTokens[i%len(buyerTokens)])
	}
	wg.Wait()
	elapsed := time.Since(start)

	var left stock
	resp, err := client.R().SetContext(ctx).SetResult(&left).
		Get("/api/products/" + strconv.FormatInt(productID, 10) + "/stock")
	if err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("read stock: status %d", resp.StatusCode())
	}

	succeeded := rep.succeeded.Load()
	fields := []zap.Field{
		zap.Int("requests", opts.requests),
		zap.Int64("succeeded", succeeded),
		zap.Int("units_left", left.Available),
		zap.Duration("elapsed", elapsed),
		zap.Float64("req_per_sec", float64(opts.requests)/elapsed.Seconds()),
	}
	if succeeded > 0 {
		fields = append(fields, zap.Duration("avg_success_latency", time.Duration(rep.latency.Load()/succeeded)))
	}
	rep.byKind.Range(func(key, value any) bool {
		fields = append(fields, zap.Int64("failed_"+key.(string), value.(*atomic.Int64).Load()))
		return true
	})
	log.Info("benchmark finished", fields...)

	if sold := int64(opts.units - left.Available); sold != succeeded {
		return fmt.Errorf("sold %d units but %d orders succeeded", sold, succeeded)
	}
	return nil
}

func setupProduct(ctx context.Context, client *resty.Client, adminToken string, opts options) (int64, error) {
	var p product
	var apiErr apiError
	resp, err := client.R().SetContext(ctx).
		SetAuthToken(adminToken).
		SetBody(map[string]any{
			"name":  "bench-" + uuid.NewString()[:8],
			"price": decimal.NewFromInt(opts.price),
		}).
		SetResult(&p).
		SetError(&apiErr).
		Post("/api/admin/products")
	if err != nil {
		return 0, fmt.Errorf("create product: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("create product: status %d: %s", resp.StatusCode(), apiErr.Error)
	}

	payloads := make([]string, opts.units)
	for i := range payloads {
		payloads[i] = fmt.Sprintf("bench%d|%s", i, uuid.NewString()[:12])
	}
	resp, err = client.R().SetContext(ctx).
		SetAuthToken(adminToken).
		SetBody(map[string]any{"payloads": payloads}).
		SetError(&apiErr).
		Post("/api/admin/inventory/" + strconv.FormatInt(p.ID, 10) + "/import")
	if err != nil {
		return 0, fmt.Errorf("import stock: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("import stock: status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return p.ID, nil
}

func fund(ctx context.Context, client *resty.Client, userToken, adminToken string, amount int64) error {
	var c claim
	var apiErr apiError
	resp, err := client.R().SetContext(ctx).
		SetAuthToken(userToken).
		SetBody(map[string]any{"amount": decimal.NewFromInt(amount)}).
		SetResult(&c).
		SetError(&apiErr).
		Post("/api/topups")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("create top-up: status %d: %s", resp.StatusCode(), apiErr.Error)
	}

	resp, err = client.R().SetContext(ctx).
		SetAuthToken(adminToken).
		SetError(&apiErr).
		Post("/api/admin/topups/" + c.ID.String() + "/approve")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("approve top-up: status %d: %s", resp.StatusCode(), apiErr.Error)
	}
	return nil
}

func buyNow(ctx context.Context, client *resty.Client, token string, productID int64, rep *report) {
	var apiErr apiError
	start := time.Now()
	resp, err := client.R().SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Idempotency-Key", uuid.NewString()).
		SetError(&apiErr).
		Post("/api/checkout/buy-now/" + strconv.FormatInt(productID, 10))
	if err != nil {
		rep.fail("transport")
		return
	}

	switch {
	case resp.StatusCode() == http.StatusCreated:
		rep.succeeded.Add(1)
		rep.latency.Add(int64(time.Since(start)))
	case apiErr.Kind != "":
		rep.fail(apiErr.Kind)
	default:
		rep.fail("status_" + strconv.Itoa(resp.StatusCode()))
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
