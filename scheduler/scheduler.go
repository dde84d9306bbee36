// Package scheduler keeps tracked instruments fresh.
//
// Refresher runs one polling loop per instrument and publishes new quotes
// through the broker. Scheduler runs the gocron housekeeping jobs: the
// aggregate market_update, cache sweeping, quote snapshots and the bar archive.
package scheduler
