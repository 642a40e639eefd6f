package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var (
	simulateNetwork string
	simulateRate    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed a synthetic COP/USD rate through drift alerting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRate <= 0 {
			return errors.New("--rate must be greater than zero")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateNetwork, decimal.NewFromFloat(simulateRate))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateNetwork, "network", "", "Network whose base rate is compared (defaults to config)")
	simulateCmd.Flags().Float64Var(&simulateRate, "rate", 0, "Live COP per USD to simulate")
}
