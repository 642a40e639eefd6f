package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"celo-onramp/internal/format"
	"celo-onramp/internal/onramp"
	"celo-onramp/internal/quote"
)

// Quote prices a COP amount locally and optionally prepares the checkout.
func (a *App) Quote(ctx context.Context, out io.Writer, opts QuoteOptions) error {
	engine, err := a.newEngine(nil)
	if err != nil {
		return err
	}
	builder := a.newQuoteBuilder(engine)

	q, err := builder.Build(ctx, quote.Request{
		AmountCOP:     opts.AmountCOP,
		WalletAddress: opts.Wallet,
		PaymentMethod: opts.PaymentMethod,
		Network:       opts.Network,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Quote\t%s\n", q.ID)
	fmt.Fprintf(w, "Amount\t%s (%s)\n", format.COP(q.SourceAmount), format.USD(q.AmountUSD))
	fmt.Fprintf(w, "Rate\t%s [%s/%s]\n", format.RateLine(q.ExchangeRate.Rate), q.ExchangeRate.Source, q.ExchangeRate.Tier)
	fmt.Fprintf(w, "CELO price\t%s\n", format.USD(q.AssetPrice.Rate))
	fmt.Fprintf(w, "Transaction fee\t%s\n", format.USD(q.Fees.TransactionFee))
	fmt.Fprintf(w, "Network fee\t%s\n", format.USD(q.Fees.NetworkFee))
	fmt.Fprintf(w, "You receive\t%s\n", format.CELO(q.PurchaseAmount))
	fmt.Fprintf(w, "Estimated cCOP\t%s\n", format.CCOP(q.EstimatedCCOP))
	fmt.Fprintf(w, "Wallet\t%s\n", q.WalletAddress)
	fmt.Fprintf(w, "Expires\t%s\n", q.ExpiresAt.UTC().Format(time.RFC3339))

	if !opts.Checkout {
		return w.Flush()
	}

	res, err := a.newResolver(a.newCDPClient()).Resolve(ctx, onramp.Request{
		WalletAddress: q.WalletAddress,
		AmountUSD:     q.AmountUSD,
		Country:       opts.Country,
		PaymentMethod: q.PaymentMethod,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Checkout tier\t%s\n", res.Tier)
	fmt.Fprintf(w, "Checkout URL\t%s\n", res.URL)
	if !res.Authenticated {
		fmt.Fprintf(w, "Warning\tcheckout is unauthenticated (%d tier failures)\n", len(res.Failures))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if opts.QRPath == "" {
		return nil
	}
	png, err := onramp.QRCode(res.URL, onramp.DefaultQRSize)
	if err != nil {
		return err
	}
	if err := ensureDir(opts.QRPath); err != nil {
		return err
	}
	if err := os.WriteFile(opts.QRPath, png, 0o644); err != nil {
		return fmt.Errorf("write qr code: %w", err)
	}
	a.Logger.Info().Str("path", opts.QRPath).Msg("checkout qr code written")
	return nil
}
