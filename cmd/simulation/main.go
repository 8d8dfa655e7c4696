package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-core/internal/advanced"
	"github.com/ksred/klear-core/internal/compliance"
	"github.com/ksred/klear-core/internal/trading"
	"github.com/ksred/klear-core/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	numWorkers      = 4
	ordersPerWorker = 20
	symbol          = "BTC-USD"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, 95th and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// apiError is the error body returned by the API
type apiError struct {
	Status  int                    `json:"-"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Fields  []string               `json:"fields"`
	Details map[string]interface{} `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// simulationClient drives the API over HTTP and records per-route latencies
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"credit":   {name: "Fund Account"},
			"order":    {name: "Place Order"},
			"advanced": {name: "Advanced Order"},
			"evaluate": {name: "Evaluate Tx"},
			"screen":   {name: "Screen Tx"},
			"alerts":   {name: "List Alerts"},
		},
	}
}

func (sc *simulationClient) record(route string, d time.Duration, err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats[route].addDuration(d, err != nil)
}

// do sends one request and decodes the data field of the response envelope into out
func (sc *simulationClient) do(route, method, path, token string, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, time.Since(start), err)
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *apiError       `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if envelope.Error == nil {
			envelope.Error = &apiError{Message: string(respBody)}
		}
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	if out != nil && len(envelope.Data) > 0 {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", "", map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}, &result)
	return result.Token, err
}

func (sc *simulationClient) credit(token, userID, asset string, amount int64) error {
	return sc.do("credit", http.MethodPost, "/api/v1/internal/balances/credit", token, map[string]interface{}{
		"user_id":   userID,
		"asset":     asset,
		"amount":    decimal.NewFromInt(amount),
		"reference": "simulation",
	}, nil)
}

// trader is an authenticated API user
type trader struct {
	userID string
	token  string
}

// summary collects the outcome counts of a run
type summary struct {
	mu sync.Mutex

	ordersPlaced     int
	ordersFailed     int
	advancedCreated  int
	advancedRejected map[string]int
	evaluations      map[compliance.TxStatus]int
	evalErrors       map[string]int
	alerts           int
}

func (s *summary) add(fn func(*summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	flag.Parse()

	sc := newSimulationClient(*baseURL)
	start := time.Now()
	sum := &summary{
		advancedRejected: make(map[string]int),
		evaluations:      make(map[compliance.TxStatus]int),
		evalErrors:       make(map[string]int),
	}

	// Credentials match the default config
	internalToken, err := sc.authenticate("internal-api-key", "internal-api-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate internal client")
	}
	buyerToken, err := sc.authenticate("test-api-key", "test-api-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate buyer")
	}
	officerToken, err := sc.authenticate("compliance-api-key", "compliance-api-secret")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate compliance officer")
	}
	buyer := trader{userID: "test-user", token: buyerToken}
	seller := trader{userID: "compliance-officer", token: officerToken}

	for _, funding := range []struct {
		user   string
		asset  string
		amount int64
	}{
		{buyer.userID, "USD", 10_000_000},
		{seller.userID, "BTC", 500},
		{seller.userID, "USD", 1_000_000},
	} {
		if err := sc.credit(internalToken, funding.user, funding.asset, funding.amount); err != nil {
			log.Fatal().Err(err).Str("user_id", funding.user).Msg("Failed to fund account")
		}
	}
	log.Info().Msg("Accounts funded")

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeCrossingOrders(sc, workerID, buyer, seller, sum)
		}(i)
	}
	wg.Wait()

	createAdvancedOrders(sc, seller, sum)
	evaluateTransactions(sc, buyer, sum)

	// Screen what was just evaluated so alerts show up without waiting for the processor
	var ownTxs []compliance.TransactionMonitor
	if err := sc.do("evaluate", http.MethodGet, "/api/v1/transactions?limit=100", buyer.token, nil, &ownTxs); err != nil {
		log.Error().Err(err).Msg("Failed to list transactions")
	}
	for _, tx := range ownTxs {
		if tx.Screened || tx.Status == compliance.TxPending {
			continue
		}
		if err := sc.do("screen", http.MethodPost, "/api/v1/internal/aml/screen/"+tx.TxID, internalToken, nil, nil); err != nil {
			log.Error().Err(err).Str("tx_id", tx.TxID).Msg("Failed to screen transaction")
		}
	}

	var alerts []json.RawMessage
	if err := sc.do("alerts", http.MethodGet, "/api/v1/compliance/alerts", officerToken, nil, &alerts); err != nil {
		log.Error().Err(err).Msg("Failed to list alerts")
	}
	sum.alerts = len(alerts)

	printSummary(sum, time.Since(start))
	sc.printPerformanceStats()
}

// placeCrossingOrders alternates resting sells and marketable buys so every pair trades
func placeCrossingOrders(sc *simulationClient, workerID int, buyer, seller trader, sum *summary) {
	logger := log.With().Int("worker_id", workerID).Logger()
	for i := 0; i < ordersPerWorker; i++ {
		price := decimal.NewFromInt(int64(64_000 + rand.Intn(2_000)))
		amount := decimal.NewFromFloat(0.01 * float64(rand.Intn(10)+1))

		for _, leg := range []struct {
			who  trader
			side types.Side
		}{
			{seller, types.SideSell},
			{buyer, types.SideBuy},
		} {
			var order trading.Order
			err := sc.do("order", http.MethodPost, "/api/v1/orders", leg.who.token, map[string]interface{}{
				"symbol":     symbol,
				"side":       leg.side,
				"order_type": trading.OrderTypeLimit,
				"amount":     amount,
				"price":      price,
			}, &order)
			if err != nil {
				logger.Error().Err(err).Str("side", string(leg.side)).Msg("Failed to place order")
				sum.add(func(s *summary) { s.ordersFailed++ })
				continue
			}
			sum.add(func(s *summary) { s.ordersPlaced++ })
			logger.Debug().
				Str("order_id", order.OrderID).
				Str("side", string(leg.side)).
				Str("amount", amount.String()).
				Str("price", price.String()).
				Msg("Order placed")
		}

		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// createAdvancedOrders submits one order of each type plus a few invalid requests
func createAdvancedOrders(sc *simulationClient, who trader, sum *summary) {
	requests := map[string]map[string]interface{}{
		"stop_loss": {
			"type": advanced.TypeStopLoss, "symbol": symbol, "side": types.SideSell,
			"amount": "0.5", "trigger_price": "60000",
		},
		"take_profit": {
			"type": advanced.TypeTakeProfit, "symbol": symbol, "side": types.SideSell,
			"amount": "0.5", "trigger_price": "70000",
		},
		"trailing_stop": {
			"type": advanced.TypeTrailingStop, "symbol": symbol, "side": types.SideSell,
			"amount": "0.5", "trail_percent": "2",
		},
		"iceberg": {
			"type": advanced.TypeIceberg, "symbol": symbol, "side": types.SideSell,
			"amount": "5", "visible_size": "0.5", "limit_price": "66000",
		},
		"twap": {
			"type": advanced.TypeTWAP, "symbol": symbol, "side": types.SideBuy,
			"amount": "1", "duration": 10, "intervals": 5,
		},
		"oco": {
			"type": advanced.TypeOCO, "symbol": symbol, "side": types.SideSell,
			"amount": "0.5", "stop_price": "60000", "limit_price": "70000",
		},
		"invalid_missing_param": {
			"type": advanced.TypeStopLoss, "symbol": symbol, "side": types.SideSell, "amount": "0.5",
		},
		"invalid_oco_prices": {
			"type": advanced.TypeOCO, "symbol": symbol, "side": types.SideSell,
			"amount": "0.5", "stop_price": "70000", "limit_price": "60000",
		},
	}

	for name, body := range requests {
		var order advanced.AdvancedOrder
		err := sc.do("advanced", http.MethodPost, "/api/v1/orders/advanced", who.token, body, &order)
		if err != nil {
			code := "unknown"
			if apiErr, ok := err.(*apiError); ok {
				code = apiErr.Code
			}
			sum.add(func(s *summary) { s.advancedRejected[code]++ })
			log.Info().Str("case", name).Str("code", code).Msg("Advanced order rejected")
			continue
		}
		sum.add(func(s *summary) { s.advancedCreated++ })
		log.Info().Str("case", name).Str("order_id", order.OrderID).Str("status", string(order.Status)).Msg("Advanced order created")
	}
}

// evaluateTransactions covers small transfers, the Travel Rule gate, sanctioned
// counterparties and a structuring pattern
func evaluateTransactions(sc *simulationClient, who trader, sum *summary) {
	travelRule := &compliance.TravelRuleInfo{
		OriginatorName:     "Test User",
		OriginatorAddress:  "1 Main Street, London",
		BeneficiaryName:    "Jane Doe",
		BeneficiaryAddress: "2 Rue de Rivoli, Paris",
		TransactionPurpose: "invoice settlement",
	}

	cases := []struct {
		name string
		req  compliance.EvaluateRequest
	}{
		{"small_transfer", compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(250), Currency: "USD", Type: compliance.TxTransfer, ToAddress: newAddress(),
		}},
		{"travel_rule_missing", compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(1500), Currency: "USD", Type: compliance.TxWithdrawal, ToAddress: newAddress(),
		}},
		{"travel_rule_incomplete", compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(1500), Currency: "USD", Type: compliance.TxWithdrawal, ToAddress: newAddress(),
			TravelRule: &compliance.TravelRuleInfo{OriginatorName: "Test User"},
		}},
		{"travel_rule_complete", compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(1500), Currency: "EUR", Type: compliance.TxTransfer, ToAddress: newAddress(),
			TravelRule: travelRule,
		}},
		{"sanctioned_counterparty", compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(100), Currency: "USD", Type: compliance.TxWithdrawal,
			ToAddress: "0x8589427373d6d84e98730d7795d8f6f8731fda16",
		}},
	}
	// just under the reporting threshold, three times in a day
	for i := 0; i < 3; i++ {
		cases = append(cases, struct {
			name string
			req  compliance.EvaluateRequest
		}{fmt.Sprintf("structuring_%d", i+1), compliance.EvaluateRequest{
			Amount: decimal.NewFromInt(9_500), Currency: "USD", Type: compliance.TxDeposit,
			FromAddress: newAddress(), TravelRule: travelRule,
		}})
	}

	for _, tc := range cases {
		var record compliance.TransactionMonitor
		err := sc.do("evaluate", http.MethodPost, "/api/v1/transactions/evaluate", who.token, tc.req, &record)
		if err != nil {
			code := "unknown"
			if apiErr, ok := err.(*apiError); ok {
				code = apiErr.Code
			}
			sum.add(func(s *summary) { s.evalErrors[code]++ })
			log.Info().Str("case", tc.name).Str("code", code).Msg("Transaction rejected")
			continue
		}
		sum.add(func(s *summary) { s.evaluations[record.Status]++ })
		log.Info().
			Str("case", tc.name).
			Str("tx_id", record.TxID).
			Str("status", string(record.Status)).
			Int("risk_score", record.RiskScore).
			Strs("flags", record.FlagList()).
			Msg("Transaction evaluated")
	}
}

func newAddress() string {
	return "0x" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func printSummary(sum *summary, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Orders placed:        %d
Orders failed:        %d
Advanced created:     %d
Open AML alerts:      %d
Duration:             %v
`, sum.ordersPlaced, sum.ordersFailed, sum.advancedCreated, sum.alerts, duration.Round(time.Millisecond))

	fmt.Println("\nAdvanced order rejections")
	fmt.Println("-------------------------")
	for code, n := range sum.advancedRejected {
		fmt.Printf("%-28s %d\n", code, n)
	}

	fmt.Println("\nTransaction outcomes")
	fmt.Println("--------------------")
	for status, n := range sum.evaluations {
		fmt.Printf("%-28s %d\n", status, n)
	}
	for code, n := range sum.evalErrors {
		fmt.Printf("%-28s %d\n", "error:"+code, n)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))
}

// printPerformanceStats outputs latency statistics for every route exercised
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	keys := make([]string, 0, len(sc.stats))
	for k := range sc.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		stats := sc.stats[k]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}
