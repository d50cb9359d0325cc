package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"golang.org/x/time/rate"

	"alphalab/internal/domain"
	"alphalab/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// AlpacaProvider serves crypto bars and latest prices from the Alpaca
// market-data API, rate-limited and retried.
type AlpacaProvider struct {
	client  *marketdata.Client
	limiter *rate.Limiter
}

// NewAlpacaProvider creates a provider with the given credentials.
// ratePerMin caps outbound API calls (Alpaca's free tier allows 200/min).
func NewAlpacaProvider(apiKey, apiSecret, baseURL string, ratePerMin int) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		opts.BaseURL = baseURL
	}
	if ratePerMin <= 0 {
		ratePerMin = 200
	}
	return &AlpacaProvider{
		client:  marketdata.NewClient(opts),
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), 1),
	}
}

// GetHistory fetches crypto bars for [start, end]. Gaps in the exchange
// data come back as gaps.
func (p *AlpacaProvider) GetHistory(ctx context.Context, symbol, interval string, start, end time.Time) ([]domain.Bar, error) {
	tf, err := timeFrame(interval)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var cryptoBars []marketdata.CryptoBar
	err = util.Retry(ctx, 3, 500*time.Millisecond, func() error {
		var ferr error
		cryptoBars, ferr = p.client.GetCryptoBars(symbol, marketdata.GetCryptoBarsRequest{
			TimeFrame: tf,
			Start:     start,
			End:       end,
		})
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("GetCryptoBars %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(cryptoBars))
	for _, cb := range cryptoBars {
		bars = append(bars, domain.Bar{
			Symbol:    symbol,
			Timestamp: cb.Timestamp,
			Open:      cb.Open,
			High:      cb.High,
			Low:       cb.Low,
			Close:     cb.Close,
			Volume:    cb.Volume,
		})
	}
	return bars, nil
}

// GetLatestPrice returns the latest crypto trade price. Callers own the
// timeout via ctx; no caching, every call is a fresh quote.
func (p *AlpacaProvider) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	trade, err := p.client.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
	if err != nil {
		return 0, fmt.Errorf("GetLatestCryptoTrade %s: %w", symbol, err)
	}
	return trade.Price, nil
}

func timeFrame(interval string) (marketdata.TimeFrame, error) {
	switch interval {
	case "1m":
		return marketdata.OneMin, nil
	case "1h":
		return marketdata.OneHour, nil
	case "1d":
		return marketdata.OneDay, nil
	default:
		return marketdata.TimeFrame{}, fmt.Errorf("marketdata: unsupported interval %q", interval)
	}
}
