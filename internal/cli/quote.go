package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"celo-onramp/internal/app"
)

var (
	quoteCOP           string
	quoteWallet        string
	quotePaymentMethod string
	quoteNetwork       string
	quoteCountry       string
	quoteCheckout      bool
	quoteQRPath        string
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a COP amount in CELO and optionally build the checkout URL",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(quoteCOP)
		if err != nil {
			return fmt.Errorf("invalid --cop value: %w", err)
		}
		if !amount.IsPositive() {
			return fmt.Errorf("--cop must be greater than zero")
		}
		opts := app.QuoteOptions{
			AmountCOP:     amount,
			Wallet:        quoteWallet,
			PaymentMethod: quotePaymentMethod,
			Network:       quoteNetwork,
			Country:       quoteCountry,
			Checkout:      quoteCheckout || quoteQRPath != "",
			QRPath:        quoteQRPath,
		}
		return getApp().Quote(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	quoteCmd.Flags().StringVar(&quoteCOP, "cop", "", "Amount in Colombian pesos")
	quoteCmd.Flags().StringVar(&quoteWallet, "wallet", "", "Destination wallet address (0x...)")
	quoteCmd.Flags().StringVar(&quotePaymentMethod, "payment-method", "", "Payment method (defaults to config)")
	quoteCmd.Flags().StringVar(&quoteNetwork, "network", "", "Rate network (defaults to config)")
	quoteCmd.Flags().StringVar(&quoteCountry, "country", "", "Buyer country code (defaults to config)")
	quoteCmd.Flags().BoolVar(&quoteCheckout, "checkout", false, "Resolve a Coinbase Onramp checkout URL")
	quoteCmd.Flags().StringVar(&quoteQRPath, "qr", "", "Write the checkout URL as a PNG QR code (implies --checkout)")
	_ = quoteCmd.MarkFlagRequired("cop")
	_ = quoteCmd.MarkFlagRequired("wallet")
}
