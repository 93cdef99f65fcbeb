package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"docsync/internal/client"
	"docsync/internal/logging"
)

// TestPlan is one stage of a load test.
type TestPlan struct {
	Name     string
	Users    int
	Duration time.Duration
	Scenario string
	RampUp   time.Duration
}

var testPlans = map[string]TestPlan{
	"light": {
		Name:     "Light Load",
		Users:    5,
		Duration: 1 * time.Minute,
		Scenario: "normal",
		RampUp:   5 * time.Second,
	},
	"medium": {
		Name:     "Medium Load",
		Users:    25,
		Duration: 2 * time.Minute,
		Scenario: "aggressive",
		RampUp:   15 * time.Second,
	},
	"heavy": {
		Name:     "Heavy Load",
		Users:    50,
		Duration: 3 * time.Minute,
		Scenario: "code",
		RampUp:   30 * time.Second,
	},
	"stress": {
		Name:     "Stress Test",
		Users:    100,
		Duration: 5 * time.Minute,
		Scenario: "aggressive",
		RampUp:   60 * time.Second,
	},
}

var planOrder = []string{"light", "medium", "heavy", "stress"}

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Simulate concurrent editors against a running server",
	Long: `Connect simulated users to one document, let them edit, and verify that
every replica converged to the server's text.

Scenarios: normal, aggressive, code, review.
Plans run preset stages one after another: light, medium, heavy, stress, all.

Example usage:
  docsyncd loadtest --users 20 --scenario aggressive --duration 1m
  docsyncd loadtest --plan all --server http://sync.internal:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		base := client.SimulationConfig{
			ServerURL:       flagString(cmd, "server"),
			Token:           flagString(cmd, "token"),
			Document:        flagString(cmd, "document"),
			Users:           flagInt(cmd, "users"),
			Duration:        flagDuration(cmd, "duration"),
			Scenario:        flagString(cmd, "scenario"),
			RampUpTime:      flagDuration(cmd, "rampup"),
			MetricsInterval: flagDuration(cmd, "metrics"),
			SettleTimeout:   flagDuration(cmd, "settle"),
			Logger:          logging.New(cmd.ErrOrStderr(), "loadtest"),
		}

		plan := flagString(cmd, "plan")
		if plan == "" {
			return runSimulation(ctx, cmd, base)
		}
		return runPlans(ctx, cmd, base, plan, flagDuration(cmd, "pause"))
	},
}

func init() {
	f := loadtestCmd.Flags()
	f.String("server", "http://localhost:8080", "server URL")
	f.String("token", "", "websocket authorization token")
	f.String("document", "", "document to edit (empty for a new one)")
	f.Int("users", 10, "number of simulated users")
	f.Duration("duration", 2*time.Minute, "editing time per user")
	f.String("scenario", "normal", "editing scenario (normal, aggressive, code, review)")
	f.Duration("rampup", 10*time.Second, "time to connect all users")
	f.Duration("metrics", 5*time.Second, "progress reporting interval")
	f.Duration("settle", 10*time.Second, "time allowed for replicas to converge")
	f.String("plan", "", "run preset stages instead (light, medium, heavy, stress, all)")
	f.Duration("pause", 30*time.Second, "pause between plan stages")

	rootCmd.AddCommand(loadtestCmd)
}

func runSimulation(ctx context.Context, cmd *cobra.Command, cfg client.SimulationConfig) error {
	report, err := client.RunSimulation(ctx, cfg)
	if err != nil {
		return err
	}
	client.PrintReport(cmd.OutOrStdout(), report)
	if !report.Converged {
		return fmt.Errorf("replicas did not converge: %s", strings.Join(report.DivergentClient, ", "))
	}
	return nil
}

func runPlans(ctx context.Context, cmd *cobra.Command, base client.SimulationConfig, name string, pause time.Duration) error {
	names := []string{name}
	if name == "all" {
		names = planOrder
	}
	for i, n := range names {
		plan, ok := testPlans[n]
		if !ok {
			known := append([]string(nil), planOrder...)
			sort.Strings(known)
			return fmt.Errorf("unknown plan %q (known: %s, all)", n, strings.Join(known, ", "))
		}
		if i > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "\nWaiting %s before next test...\n", pause)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}

		fmt.Fprintf(cmd.OutOrStdout(), "\n=== Running Test: %s ===\n", plan.Name)
		fmt.Fprintf(cmd.OutOrStdout(), "Users: %d, Duration: %s, Scenario: %s\n", plan.Users, plan.Duration, plan.Scenario)

		cfg := base
		cfg.Document = fmt.Sprintf("stress_test_%d", time.Now().UnixNano())
		cfg.Users = plan.Users
		cfg.Duration = plan.Duration
		cfg.Scenario = plan.Scenario
		cfg.RampUpTime = plan.RampUp
		if err := runSimulation(ctx, cmd, cfg); err != nil {
			return fmt.Errorf("%s: %w", plan.Name, err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\n=== All tests completed ===")
	return nil
}

func flagString(cmd *cobra.Command, name string) string {
	s, _ := cmd.Flags().GetString(name)
	return s
}

func flagInt(cmd *cobra.Command, name string) int {
	n, _ := cmd.Flags().GetInt(name)
	return n
}

func flagDuration(cmd *cobra.Command, name string) time.Duration {
	d, _ := cmd.Flags().GetDuration(name)
	return d
}
