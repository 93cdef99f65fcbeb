package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docsync/internal/crdt"
)

// Scenario defines an editing pattern.
type Scenario struct {
	Name              string
	InsertProbability float64
	DeleteProbability float64
	BurstProbability  float64
	ThinkTime         time.Duration
	BurstSize         int
}

// Scenarios are the built-in editing patterns.
var Scenarios = map[string]Scenario{
	"normal": {
		Name:              "Normal Typing",
		InsertProbability: 0.8,
		DeleteProbability: 0.2,
		BurstProbability:  0.1,
		ThinkTime:         100 * time.Millisecond,
		BurstSize:         5,
	},
	"aggressive": {
		Name:              "Aggressive Editing",
		InsertProbability: 0.7,
		DeleteProbability: 0.3,
		BurstProbability:  0.3,
		ThinkTime:         50 * time.Millisecond,
		BurstSize:         10,
	},
	"code": {
		Name:              "Code Writing",
		InsertProbability: 0.9,
		DeleteProbability: 0.1,
		BurstProbability:  0.4,
		ThinkTime:         200 * time.Millisecond,
		BurstSize:         20,
	},
	"review": {
		Name:              "Document Review",
		InsertProbability: 0.3,
		DeleteProbability: 0.7,
		BurstProbability:  0.1,
		ThinkTime:         500 * time.Millisecond,
		BurstSize:         3,
	},
}

// SimulationConfig holds the load-test configuration.
type SimulationConfig struct {
	ServerURL       string
	Token           string
	Document        string
	Users           int
	Duration        time.Duration
	Scenario        string
	RampUpTime      time.Duration
	MetricsInterval time.Duration
	// SettleTimeout bounds the wait for every replica to converge after
	// editing stops.
	SettleTimeout time.Duration
	Logger        *log.Logger
}

// Report summarises a simulation run.
type Report struct {
	Scenario        string
	Duration        time.Duration
	Users           int
	Connected       int
	OperationsSent  int64
	OperationsRecv  int64
	Errors          int64
	AverageLatency  time.Duration
	OpsPerSecond    float64
	Converged       bool
	ServerText      string
	DivergentClient []string
}

// SimulationMetrics tracks totals across all simulated users.
type SimulationMetrics struct {
	TotalOperationsSent atomic.Int64
	TotalErrors         atomic.Int64
	ConnectedClients    atomic.Int64
	StartTime           time.Time
}

type simUser struct {
	name      string
	client    *Client
	rng       *rand.Rand
	mu        sync.Mutex
	latencies []time.Duration
}

// RunSimulation connects cfg.Users editors to one document, ramps them up
// gradually, lets them edit for cfg.Duration and then checks that every
// replica converged to the server's text.
func RunSimulation(ctx context.Context, cfg SimulationConfig) (*Report, error) {
	scenario, ok := Scenarios[cfg.Scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario: %s", cfg.Scenario)
	}
	if cfg.Users <= 0 {
		return nil, errors.New("simulation needs at least one user")
	}
	if cfg.Document == "" {
		cfg.Document = fmt.Sprintf("loadtest_%d", time.Now().UnixNano())
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	if err := CreateDocument(ctx, cfg.ServerURL, cfg.Document); err != nil {
		return nil, err
	}

	metrics := &SimulationMetrics{StartTime: time.Now()}
	logger.Printf("Starting simulation with %d users on %s, scenario: %s", cfg.Users, cfg.Document, scenario.Name)

	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	if cfg.MetricsInterval > 0 {
		go reportMetrics(reportCtx, logger, metrics, cfg.MetricsInterval)
	}

	var step time.Duration
	if cfg.Users > 1 {
		step = cfg.RampUpTime / time.Duration(cfg.Users)
	}

	users := make([]*simUser, cfg.Users)
	g, gctx := errgroup.WithContext(ctx)
	for i := range users {
		if i > 0 && step > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(step):
			}
		}
		u := &simUser{
			name: fmt.Sprintf("test_user_%d", i),
			rng:  rand.New(rand.NewSource(time.Now().UnixNano() + int64(i))),
		}
		users[i] = u
		g.Go(func() error {
			return u.run(gctx, cfg, scenario, metrics, logger)
		})
	}
	runErr := g.Wait()
	stopReport()

	defer func() {
		for _, u := range users {
			if u.client != nil {
				u.client.Close()
			}
		}
	}()
	if runErr != nil {
		return nil, runErr
	}

	checker := NewConsistencyChecker(cfg.ServerURL, cfg.Document)
	report := &Report{
		Scenario: scenario.Name,
		Users:    cfg.Users,
	}
	deadline := time.Now().Add(cfg.SettleTimeout)
	for {
		for _, u := range users {
			if u.client != nil {
				checker.UpdateSnapshot(u.name, u.client.Text())
			}
		}
		result, err := checker.CheckConsistency(ctx)
		if err != nil {
			return nil, err
		}
		report.ServerText = result.ServerText
		report.DivergentClient = result.Divergent
		if result.Consistent || time.Now().After(deadline) {
			report.Converged = result.Consistent
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	var totalLatency time.Duration
	var latencyCount int
	for _, u := range users {
		if u.client == nil {
			continue
		}
		report.Connected++
		s := u.client.Stats()
		report.OperationsSent += s.OperationsSent
		report.OperationsRecv += s.OperationsRecv
		report.Errors += s.Errors
		u.mu.Lock()
		for _, lat := range u.latencies {
			totalLatency += lat
			latencyCount++
		}
		u.mu.Unlock()
	}
	report.Errors += metrics.TotalErrors.Load()
	report.Duration = time.Since(metrics.StartTime)
	if latencyCount > 0 {
		report.AverageLatency = totalLatency / time.Duration(latencyCount)
	}
	report.OpsPerSecond = float64(report.OperationsSent) / report.Duration.Seconds()
	return report, nil
}

func (u *simUser) run(ctx context.Context, cfg SimulationConfig, scenario Scenario, metrics *SimulationMetrics, logger *log.Logger) error {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("Client %s panicked: %v", u.name, r)
		}
	}()

	var err error
	for retries := 0; retries < 3; retries++ {
		u.client, err = Dial(ctx, Options{
			ServerURL:        cfg.ServerURL,
			Document:         cfg.Document,
			Token:            cfg.Token,
			PresenceInterval: 5 * time.Second,
			Logger:           logger,
		})
		if err == nil {
			break
		}
		logger.Printf("Client %s connection attempt %d failed: %v", u.name, retries+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		metrics.TotalErrors.Add(1)
		logger.Printf("Client %s failed to connect after retries: %v", u.name, err)
		return nil
	}
	metrics.ConnectedClients.Add(1)
	defer metrics.ConnectedClients.Add(-1)

	syncCtx, cancel := context.WithTimeout(ctx, cfg.SettleTimeout)
	err = u.client.WaitSynced(syncCtx)
	cancel()
	if err != nil {
		metrics.TotalErrors.Add(1)
		logger.Printf("Client %s did not sync: %v", u.name, err)
		return nil
	}

	state, _ := json.Marshal(map[string]string{"user": u.name})
	if err := u.client.SetPresence(state); err != nil {
		metrics.TotalErrors.Add(1)
	}

	u.simulateEditing(ctx, scenario, cfg.Duration, metrics)
	return nil
}

// simulateEditing edits until duration elapses or the connection ends.
func (u *simUser) simulateEditing(ctx context.Context, scenario Scenario, duration time.Duration, metrics *SimulationMetrics) {
	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		select {
		case <-ctx.Done():
			return
		case <-u.client.Done():
			return
		default:
		}

		operations := 1
		if u.rng.Float64() < scenario.BurstProbability {
			operations = scenario.BurstSize
		}
		for i := 0; i < operations; i++ {
			start := time.Now()
			err := u.edit(scenario)
			switch {
			case errors.Is(err, crdt.ErrOutOfRange):
				// A remote edit shrank the text under us.
			case err != nil:
				metrics.TotalErrors.Add(1)
			default:
				metrics.TotalOperationsSent.Add(1)
				u.mu.Lock()
				u.latencies = append(u.latencies, time.Since(start))
				u.mu.Unlock()
			}
			if i < operations-1 {
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(scenario.ThinkTime)
	}
}

func (u *simUser) edit(scenario Scenario) error {
	textLen := u.client.Len()
	if u.rng.Float64() < scenario.InsertProbability || textLen == 0 {
		return u.client.Insert(u.rng.Intn(textLen+1), randomChar(u.rng))
	}
	return u.client.Delete(u.rng.Intn(textLen), 1)
}

func randomChar(rng *rand.Rand) string {
	chars := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 .,!?\n"
	return string(chars[rng.Intn(len(chars))])
}

func reportMetrics(ctx context.Context, logger *log.Logger, metrics *SimulationMetrics, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(metrics.StartTime)
			sent := metrics.TotalOperationsSent.Load()
			logger.Printf("[%s] Connected: %d, Sent: %d, Errors: %d, Ops/sec: %.2f",
				elapsed.Round(time.Second),
				metrics.ConnectedClients.Load(),
				sent,
				metrics.TotalErrors.Load(),
				float64(sent)/elapsed.Seconds(),
			)
		}
	}
}

// PrintReport writes a human-readable summary.
func PrintReport(w io.Writer, r *Report) {
	fmt.Fprintln(w, "\n=== SIMULATION REPORT ===")
	fmt.Fprintf(w, "Scenario: %s\n", r.Scenario)
	fmt.Fprintf(w, "Duration: %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Users Connected: %d/%d\n", r.Connected, r.Users)
	fmt.Fprintf(w, "Total Operations Sent: %d\n", r.OperationsSent)
	fmt.Fprintf(w, "Total Operations Received: %d\n", r.OperationsRecv)
	fmt.Fprintf(w, "Total Errors: %d\n", r.Errors)
	if r.AverageLatency > 0 {
		fmt.Fprintf(w, "Average Operation Latency: %v\n", r.AverageLatency)
	}
	fmt.Fprintf(w, "Operations per Second: %.2f\n", r.OpsPerSecond)
	totalAttempts := r.OperationsSent + r.Errors
	if totalAttempts > 0 {
		fmt.Fprintf(w, "Success Rate: %.2f%%\n", float64(r.OperationsSent)/float64(totalAttempts)*100)
	}
	if r.Converged {
		fmt.Fprintf(w, "Converged: yes (%d characters)\n", len([]rune(r.ServerText)))
	} else {
		fmt.Fprintf(w, "Converged: NO, divergent clients: %v\n", r.DivergentClient)
	}
}
