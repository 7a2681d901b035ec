package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/eor-quoter/internal/logger"
	"github.com/spigell/eor-quoter/internal/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Rank already normalized provider totals",
	Example: app + " reconcile --total deel=5120.50 --total remote=5010 --threshold 0.04",
	Run: func(cmd *cobra.Command, _ []string) {
		runReconcile(cmd)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringArray("total", nil, "provider total as id=amount, repeatable")
	reconcileCmd.Flags().Float64("threshold", reconcile.DefaultThreshold, "variance band as a fraction of the cheapest total")
	reconcileCmd.Flags().String("risk-mode", string(reconcile.Conservative), "conservative or cheapest")
}

func runReconcile(cmd *cobra.Command) {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	raw, _ := cmd.Flags().GetStringArray("total")
	threshold, _ := cmd.Flags().GetFloat64("threshold")
	riskFlag, _ := cmd.Flags().GetString("risk-mode")

	candidates, err := parseTotals(raw)
	if err != nil {
		logger.Fatal("parsing totals", zap.Error(err))
	}
	risk, err := reconcile.ParseRiskMode(riskFlag)
	if err != nil {
		logger.Fatal("parsing risk mode", zap.Error(err))
	}

	res, err := reconcile.Reconcile(candidates, reconcile.Options{Threshold: threshold, RiskMode: risk})
	if err != nil {
		logger.Fatal("reconciliation failed", zap.Error(err))
	}

	logger.Info("providers reconciled", zap.String("winner", res.Winner), zap.Int("ranked", len(res.Candidates)))

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		logger.Fatal("encoding result", zap.Error(err))
	}
	fmt.Fprintln(os.Stdout, string(data))
}

// parseTotals reads id=amount pairs.
func parseTotals(raw []string) ([]reconcile.Candidate, error) {
	out := make([]reconcile.Candidate, 0, len(raw))
	for _, pair := range raw {
		id, amount, ok := strings.Cut(pair, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("total %q is not in id=amount form", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil {
			return nil, fmt.Errorf("total of %s: %w", id, err)
		}
		out = append(out, reconcile.Candidate{Provider: id, NormalizedMonthlyTotal: v, OriginalMonthlyTotal: v})
	}
	return out, nil
}
