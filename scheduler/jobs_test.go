package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketfeed/models"
	"marketfeed/services/broker"
	"marketfeed/services/market"
)

type fakeView struct {
	market *market.MarketSummary
	quotes map[string]*models.Quote
	bars   map[string]*models.BarSeries
}

func (v *fakeView) CachedMarket() *market.MarketSummary { return v.market }

func (v *fakeView) CachedQuote(symbol string) (*models.Quote, bool) {
	q, ok := v.quotes[symbol]
	return q, ok
}

func (v *fakeView) CachedBars(symbol string, w models.Window) (*models.BarSeries, bool) {
	s, ok := v.bars[symbol+":"+w.Kind()]
	return s, ok
}

type fakeSweeper struct{ calls int }

func (s *fakeSweeper) Sweep() int {
	s.calls++
	return 2
}

type staticSymbols []string

func (s staticSymbols) Tracked() []string { return s }

type fakeWriter struct {
	mu     sync.Mutex
	quotes []*models.Quote
	series []*models.BarSeries
	err    error
}

func (w *fakeWriter) SaveSnapshots(_ context.Context, quotes []*models.Quote) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.quotes = append(w.quotes, quotes...)
	return len(quotes), nil
}

func (w *fakeWriter) SaveMany(_ context.Context, series []*models.BarSeries) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.series = append(w.series, series...)
	return len(series), nil
}

func newTestJobs(view *fakeView, pub *fakePublisher, w *fakeWriter) (*Scheduler, *fakeSweeper) {
	sw := &fakeSweeper{}
	s := NewScheduler(JobsConfig{}, view, pub, sw, staticSymbols{"AAPL", "MSFT"},
		WithSnapshots(w), WithBarArchive(w), WithJobsLogger(quietLogger()))
	return s, sw
}

func TestPublishMarketOnlyWithListeners(t *testing.T) {
	view := &fakeView{market: &market.MarketSummary{Indices: []market.IndexQuote{{Symbol: "^GSPC", Name: "S&P 500", CurrentPrice: 5000}}}}
	pub := newFakePublisher()
	s, _ := newTestJobs(view, pub, &fakeWriter{})

	s.publishMarket()
	assert.Empty(t, pub.ofType(broker.TypeMarketUpdate))

	pub.setCount(broker.MarketTopic, 1)
	s.publishMarket()
	envs := pub.ofType(broker.TypeMarketUpdate)
	require.Len(t, envs, 1)
	assert.Equal(t, broker.MarketTopic, envs[0].Topic)
	assert.Same(t, view.market, envs[0].Data)

	view.market = &market.MarketSummary{}
	s.publishMarket()
	assert.Len(t, pub.ofType(broker.TypeMarketUpdate), 1)
}

func TestPersistenceJobs(t *testing.T) {
	series := &models.BarSeries{Symbol: "AAPL", Period: "1y", Interval: "1d", Bars: []models.Bar{{Close: 1}}}
	view := &fakeView{
		quotes: map[string]*models.Quote{"AAPL": {Symbol: "AAPL", CurrentPrice: 190.5, Timestamp: time.Now()}},
		bars:   map[string]*models.BarSeries{"AAPL:" + models.DefaultWindow.Kind(): series},
	}
	w := &fakeWriter{}
	s, sw := newTestJobs(view, newFakePublisher(), w)

	s.persistSnapshots()
	require.Len(t, w.quotes, 1)
	assert.Equal(t, "AAPL", w.quotes[0].Symbol)

	s.archiveBars()
	require.Len(t, w.series, 1)
	assert.Same(t, series, w.series[0])

	s.sweepCache()
	assert.Equal(t, 1, sw.calls)

	w.err = errors.New("db down")
	s.persistSnapshots()
	s.archiveBars()
	assert.Len(t, w.quotes, 1)
}

func TestSchedulerRegistersJobs(t *testing.T) {
	s, _ := newTestJobs(&fakeView{market: &market.MarketSummary{}}, newFakePublisher(), &fakeWriter{})
	require.NoError(t, s.Start())
	defer s.Stop()

	var tags []string
	for _, j := range s.cron.Jobs() {
		tags = append(tags, j.Tags()...)
	}
	assert.ElementsMatch(t, []string{"market_update", "cache_sweep", "quote_snapshots", "bar_archive"}, tags)
}

func TestSchedulerWithoutPersistence(t *testing.T) {
	s := NewScheduler(JobsConfig{}, &fakeView{market: &market.MarketSummary{}}, newFakePublisher(), &fakeSweeper{},
		staticSymbols{}, WithJobsLogger(quietLogger()))
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Len(t, s.cron.Jobs(), 2)
}
