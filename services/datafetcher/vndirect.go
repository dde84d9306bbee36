package datafetcher

import (
	"context"
	"strconv"
	"time"

	"marketfeed/models"
)

const VNDirectURL = "https://api-finfo.vndirect.com.vn"

// vnTime is the exchange timezone of VNDirect dates
var vnTime = time.FixedZone("ICT", 7*60*60)

// VNDirect serves daily prices from the VNDirect stock_prices API.
type VNDirect struct {
	*fetcher
	opts Options
}

// NewVNDirect creates the VNDirect adapter. It serves daily bars only.
func NewVNDirect(opts Options) *VNDirect {
	f := newFetcher("vndirect", VNDirectURL, opts)
	f.client.SetHeader("Accept-Language", "en-US,en;q=0.9").
		SetHeader("Referer", "https://www.vndirect.com.vn/")
	return &VNDirect{fetcher: f, opts: opts}
}

func (v *VNDirect) Name() string { return v.name }

// vndirectResponse represents the API response
type vndirectResponse struct {
	Data []struct {
		Code       string   `json:"code"`
		Date       string   `json:"date"`
		Time       string   `json:"time"`
		BasicPrice float64  `json:"basicPrice"`
		Open       *float64 `json:"open"`
		High       *float64 `json:"high"`
		Low        *float64 `json:"low"`
		Close      *float64 `json:"close"`
		NmVolume   float64  `json:"nmVolume"`
	} `json:"data"`
}

// SupportsWindow reports whether the upstream serves bars at w's interval.
func (v *VNDirect) SupportsWindow(w models.Window) bool {
	return w.Interval == "1d"
}

func (v *VNDirect) fetch(ctx context.Context, fail failure, symbol string, size int) (*vndirectResponse, error) {
	body, err := v.get(ctx, fail, "/v4/stock_prices", map[string]string{
		"sort": "date:desc",
		"q":    "code:" + symbol,
		"size": strconv.Itoa(size),
	}, nil)
	if err != nil {
		return nil, err
	}
	var resp vndirectResponse
	if err := decode(fail, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fail.unavailable("no price data")
	}
	return &resp, nil
}

func (v *VNDirect) FetchQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	fail := failure{source: v.name, capability: CapabilityQuote, symbol: symbol}
	resp, err := v.fetch(ctx, fail, symbol, 1)
	if err != nil {
		return nil, err
	}

	row := resp.Data[0]
	if row.Close == nil {
		return nil, fail.malformed("missing close")
	}
	ts, err := parseVNTime(row.Date, row.Time)
	if err != nil {
		return nil, fail.malformed("%v", err)
	}
	q := &models.Quote{
		Symbol:        symbol,
		CurrentPrice:  *row.Close,
		PreviousClose: row.BasicPrice,
		Volume:        int64(row.NmVolume),
		Source:        v.name,
		Timestamp:     ts,
	}
	if err := q.Validate(); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return q, nil
}

func (v *VNDirect) FetchBars(ctx context.Context, symbol string, w models.Window) ([]models.Bar, error) {
	fail := failure{source: v.name, capability: CapabilityBars, symbol: symbol}
	if !v.SupportsWindow(w) {
		return nil, fail.unavailable("interval %s not supported", w.Interval)
	}
	now := v.opts.now()
	// Trading days in the window plus slack for holidays.
	days := int(now.Sub(w.Start(now)).Hours()/24)*5/7 + 5

	resp, err := v.fetch(ctx, fail, symbol, days)
	if err != nil {
		return nil, err
	}

	bars := make([]models.Bar, 0, len(resp.Data))
	for i := len(resp.Data) - 1; i >= 0; i-- {
		row := resp.Data[i]
		if row.Open == nil || row.High == nil || row.Low == nil || row.Close == nil {
			return nil, fail.malformed("row %s: missing price fields", row.Date)
		}
		ts, err := parseVNTime(row.Date, "")
		if err != nil {
			return nil, fail.malformed("%v", err)
		}
		bars = append(bars, models.Bar{
			Time:   ts,
			Open:   *row.Open,
			High:   *row.High,
			Low:    *row.Low,
			Close:  *row.Close,
			Volume: int64(row.NmVolume),
		})
	}
	if err := models.ValidateBars(bars); err != nil {
		return nil, fail.malformed("%v", err)
	}
	return trimToWindow(bars, w, now), nil
}

func parseVNTime(date, clock string) (time.Time, error) {
	if clock == "" {
		return time.ParseInLocation("2006-01-02", date, vnTime)
	}
	return time.ParseInLocation("2006-01-02 15:04:05", date+" "+clock, vnTime)
}
