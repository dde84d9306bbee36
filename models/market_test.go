package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "aapl", want: "AAPL"},
		{in: "  ^gspc ", want: "^GSPC"},
		{in: "BRK.B", want: "BRK.B"},
		{in: "EURUSD=X", want: "EURUSD=X"},
		{in: "", wantErr: true},
		{in: "AAPL;DROP", wantErr: true},
		{in: "ABCDEFGHIJKLMNOP", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeSymbol(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSymbol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, w)
	assert.Equal(t, "bars:1y:1d", w.Kind())

	w, err = ParseWindow("6MO", "1wk")
	require.NoError(t, err)
	assert.Equal(t, Window{Period: "6mo", Interval: "1wk"}, w)

	_, err = ParseWindow("10y", "1d")
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = ParseWindow("1y", "2d")
	assert.ErrorIs(t, err, ErrInvalidWindow)
}

func TestQuoteValidate(t *testing.T) {
	now := time.Now()
	good := Quote{Symbol: "AAPL", Source: "yahoo", CurrentPrice: 190.5, PreviousClose: 188, Timestamp: now}
	require.NoError(t, good.Validate())

	bad := good
	bad.CurrentPrice = 0
	assert.Error(t, bad.Validate())

	bad = good
	bad.Source = ""
	assert.Error(t, bad.Validate())

	bad = good
	bad.Timestamp = time.Time{}
	assert.Error(t, bad.Validate())

	assert.InDelta(t, 2.5, good.Change(), 1e-9)
	assert.InDelta(t, 1.3298, good.ChangePercent(), 1e-4)
}

func TestValidateBars(t *testing.T) {
	t0 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []Bar{
		{Time: t0, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 100},
		{Time: t0.AddDate(0, 0, 1), Open: 10.5, High: 12, Low: 10, Close: 11, Volume: 120},
	}
	require.NoError(t, ValidateBars(bars))

	dup := append([]Bar(nil), bars...)
	dup[1].Time = t0
	assert.Error(t, ValidateBars(dup))

	inverted := append([]Bar(nil), bars...)
	inverted[0].High = 8
	assert.Error(t, ValidateBars(inverted))
}

func TestQuoteSnapshotRoundTrip(t *testing.T) {
	q := &Quote{Symbol: "MSFT", Name: "Microsoft", CurrentPrice: 410.25, PreviousClose: 405.5, Volume: 1200, MarketCap: 3.05e12, Source: "alphavantage", Timestamp: time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)}
	back := NewQuoteSnapshot(q).Quote()
	assert.Equal(t, q, back)
}
