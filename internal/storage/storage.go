// Package storage is the SQLite persistence layer: typed, parameterised
// access to every table the bot persists: trades, opportunities,
// observations, pending events, forecast accuracy, market calibration,
// and the audit tables. Raw parameterised SQL with a versioned
// schema_version migration table.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brendanplayford/weatherbot/internal/model"
)

// Store wraps the SQLite connection and every persistence operation the
// scanner, executor, observation service, monitor, and resolver need.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the bot's SQLite database under dataDir
// and runs pending migrations.
func Open(dataDir string) (*Store, error) {
	dbPath := dataDir + "/bot.db"
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	city TEXT NOT NULL,
	target_date TEXT NOT NULL,
	venue TEXT NOT NULL,
	range_name TEXT NOT NULL,
	side TEXT NOT NULL,
	status TEXT NOT NULL,
	entry_ask REAL, entry_bid REAL, entry_spread REAL, entry_volume INTEGER,
	shares INTEGER, cost REAL,
	entry_probability REAL, entry_edge_pct REAL, entry_kelly REAL,
	entry_forecast_temp REAL, entry_forecast_confidence TEXT,
	entry_ensemble TEXT, pct_of_volume REAL, hours_to_resolution REAL,
	entry_reason TEXT, wu_triggered INTEGER, dual_confirmed INTEGER,
	observation_high REAL, wu_high REAL,
	entry_range_min REAL, entry_range_max REAL,
	current_bid REAL, current_ask REAL, current_probability REAL,
	max_price_seen REAL, min_probability_seen REAL, evaluator_log TEXT,
	exit_reason TEXT, exit_price REAL, exit_bid REAL, exit_ask REAL,
	exit_spread REAL, exit_volume INTEGER, exit_probability REAL,
	exit_forecast_temp REAL, exited_at DATETIME,
	actual_temp REAL, won INTEGER, pnl REAL, fees REAL,
	resolved_at DATETIME, resolution_station TEXT,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_open
	ON trades(city, target_date, venue, range_name, side)
	WHERE status = 'open';

CREATE TABLE IF NOT EXISTS opportunities (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	city TEXT NOT NULL, target_date TEXT NOT NULL, venue TEXT NOT NULL,
	range_name TEXT NOT NULL, side TEXT NOT NULL, range_type TEXT,
	range_min REAL, range_max REAL,
	ask REAL, bid REAL, volume INTEGER,
	probability REAL, edge_pct REAL, hours_to_resolution REAL,
	forecast_temp REAL, forecast_std_dev REAL, confidence TEXT,
	forecast_sources TEXT,
	accepted INTEGER, reject_reason TEXT, trade_id INTEGER,
	scanned_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	actual_temp REAL, would_have_won INTEGER
);

CREATE TABLE IF NOT EXISTS metar_observations (
	city TEXT NOT NULL, target_date TEXT NOT NULL, station_id TEXT NOT NULL,
	observed_at DATETIME NOT NULL,
	temp_c REAL, temp_f REAL,
	running_high_c REAL, running_high_f REAL,
	wu_high_f REAL, wu_high_c REAL,
	observation_count INTEGER,
	PRIMARY KEY (city, target_date, observed_at)
);

CREATE TABLE IF NOT EXISTS metar_pending_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	city TEXT NOT NULL, target_date TEXT NOT NULL, venue TEXT NOT NULL,
	range_name TEXT NOT NULL, side TEXT NOT NULL,
	metar_high REAL, wu_high REAL, metar_gap REAL,
	ask_at_detection REAL, orderbook_snapshot TEXT, other_venue_snapshot TEXT,
	poll_source TEXT, wu_triggered INTEGER,
	wu_confirmed_at DATETIME, market_repriced_at DATETIME,
	detected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(city, target_date, venue, range_name, side)
);

CREATE TABLE IF NOT EXISTS wu_leads_events (
	city TEXT NOT NULL, target_date TEXT NOT NULL, station_id TEXT NOT NULL,
	first_gap REAL, detected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	metar_confirmed_at DATETIME,
	PRIMARY KEY (city, target_date, station_id)
);

CREATE TABLE IF NOT EXISTS forecast_accuracy (
	city TEXT NOT NULL, target_date TEXT NOT NULL, source TEXT NOT NULL,
	forecast REAL, actual REAL, error REAL, abs_error REAL, unit TEXT,
	hours_before_resolution REAL, recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (city, target_date, source)
);

CREATE TABLE IF NOT EXISTS market_calibration (
	venue TEXT NOT NULL, range_type TEXT NOT NULL,
	lead_time_bucket TEXT NOT NULL, price_bucket INTEGER NOT NULL,
	empirical_win_rate REAL, n INTEGER,
	PRIMARY KEY (venue, range_type, lead_time_bucket, price_bucket)
);

CREATE TABLE IF NOT EXISTS wu_audit (
	city TEXT NOT NULL, station_id TEXT NOT NULL, target_date TEXT NOT NULL,
	observed_at DATETIME, reported_high REAL, current_running_high REAL,
	rejected INTEGER DEFAULT 1,
	PRIMARY KEY (city, station_id, target_date, observed_at)
);

CREATE TABLE IF NOT EXISTS cli_audit (
	city TEXT NOT NULL, station_id TEXT NOT NULL, target_date TEXT NOT NULL,
	high_f REAL, fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP, source_url TEXT,
	PRIMARY KEY (city, station_id, target_date)
);
`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}
	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// --- Trades -----------------------------------------------------------

func (s *Store) SaveTrade(t *model.Trade) error {
	ensemble, _ := json.Marshal(t.EntryEnsemble)
	evalLog, _ := json.Marshal(t.EvaluatorLog)
	res, err := s.db.Exec(`
INSERT INTO trades (city, target_date, venue, range_name, side, status,
	entry_ask, entry_bid, entry_spread, entry_volume, shares, cost,
	entry_probability, entry_edge_pct, entry_kelly, entry_forecast_temp,
	entry_forecast_confidence, entry_ensemble, pct_of_volume, hours_to_resolution,
	entry_reason, wu_triggered, dual_confirmed, observation_high, wu_high,
	entry_range_min, entry_range_max,
	current_bid, current_ask, current_probability, max_price_seen,
	min_probability_seen, evaluator_log)
VALUES (?,?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?,?, ?,?, ?,?,?,?, ?,?)`,
		t.City, t.TargetDate, t.Venue, t.RangeName, t.Side, t.Status,
		t.EntryAsk, t.EntryBid, t.EntrySpread, t.EntryVolume, t.Shares, t.Cost,
		t.EntryProbability, t.EntryEdgePct, t.EntryKelly, t.EntryForecastTemp,
		t.EntryForecastConfidence, string(ensemble), t.PctOfVolume, t.HoursToResolutionAtEntry,
		t.EntryReason, t.WUTriggered, t.DualConfirmed, nullableFloat(t.ObservationHigh), nullableFloat(t.WUHigh),
		nullableFloat(t.EntryRangeMin), nullableFloat(t.EntryRangeMax),
		t.CurrentBid, t.CurrentAsk, t.CurrentProbability, t.MaxPriceSeen,
		t.MinProbabilitySeen, string(evalLog),
	)
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = id
	return nil
}

// HasOpenTrade reports whether an open trade already exists for the unique
// key (city, date, venue, range, side) — the Executor's dedup gate.
func (s *Store) HasOpenTrade(city, targetDate string, v model.Venue, rangeName string, side model.Side) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE city=? AND target_date=? AND venue=? AND range_name=? AND side=? AND status='open'`,
		city, targetDate, v, rangeName, side).Scan(&n)
	return n > 0, err
}

// SumOpenCostBySide reconciles the in-memory bankroll on startup: initial
// bankroll minus the sum of open trades' cost on that side.
func (s *Store) SumOpenCostBySide(side model.Side) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost) FROM trades WHERE side=? AND status='open'`, side).Scan(&sum)
	return sum.Float64, err
}

// SumOpenNOCostByDate returns the aggregate open NO cost for a target_date,
// used by the per-date NO exposure cap.
func (s *Store) SumOpenNOCostByDate(targetDate string) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(cost) FROM trades WHERE side='no' AND target_date=? AND status='open'`, targetDate).Scan(&sum)
	return sum.Float64, err
}

// OpenTrades returns every open trade, for the Monitor's per-cycle pass.
func (s *Store) OpenTrades() ([]*model.Trade, error) {
	rows, err := s.db.Query(`SELECT id, city, target_date, venue, range_name, side,
		entry_ask, entry_bid, shares, cost, entry_probability, entry_reason,
		current_bid, current_ask, current_probability, max_price_seen, min_probability_seen,
		entry_range_min, entry_range_max, hours_to_resolution,
		entry_ensemble, entry_forecast_temp, entry_forecast_confidence, evaluator_log
		FROM trades WHERE status='open'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Trade
	for rows.Next() {
		t := &model.Trade{Status: model.TradeOpen}
		var rmin, rmax sql.NullFloat64
		var ensemble, evalLog sql.NullString
		if err := rows.Scan(&t.ID, &t.City, &t.TargetDate, &t.Venue, &t.RangeName, &t.Side,
			&t.EntryAsk, &t.EntryBid, &t.Shares, &t.Cost, &t.EntryProbability, &t.EntryReason,
			&t.CurrentBid, &t.CurrentAsk, &t.CurrentProbability, &t.MaxPriceSeen, &t.MinProbabilitySeen,
			&rmin, &rmax, &t.HoursToResolutionAtEntry,
			&ensemble, &t.EntryForecastTemp, &t.EntryForecastConfidence, &evalLog,
		); err != nil {
			return nil, err
		}
		t.EntryRangeMin = ptrIfValid(rmin)
		t.EntryRangeMax = ptrIfValid(rmax)
		if ensemble.Valid && ensemble.String != "" {
			_ = json.Unmarshal([]byte(ensemble.String), &t.EntryEnsemble)
		}
		if evalLog.Valid && evalLog.String != "" {
			_ = json.Unmarshal([]byte(evalLog.String), &t.EvaluatorLog)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateLiveState persists the Monitor's refreshed price/probability/log
// fields for an open trade.
func (s *Store) UpdateLiveState(t *model.Trade) error {
	evalLog, _ := json.Marshal(t.EvaluatorLog)
	_, err := s.db.Exec(`UPDATE trades SET current_bid=?, current_ask=?, current_probability=?,
		max_price_seen=?, min_probability_seen=?, evaluator_log=? WHERE id=?`,
		t.CurrentBid, t.CurrentAsk, t.CurrentProbability, t.MaxPriceSeen, t.MinProbabilitySeen,
		string(evalLog), t.ID)
	return err
}

// ExitTrade marks an open trade exited.
func (s *Store) ExitTrade(t *model.Trade) error {
	_, err := s.db.Exec(`UPDATE trades SET status='exited', exit_reason=?, exit_price=?,
		exit_bid=?, exit_ask=?, exit_spread=?, exit_volume=?, exit_probability=?,
		exit_forecast_temp=?, exited_at=?, pnl=?, fees=? WHERE id=? AND status='open'`,
		t.ExitReason, t.ExitPrice, t.ExitBid, t.ExitAsk, t.ExitSpread, t.ExitVolume,
		t.ExitProbability, t.ExitForecastTemp, t.ExitedAt, t.PnL, t.Fees, t.ID)
	return err
}

// ResolveTrade marks a trade resolved (either via guaranteed-win in-place
// resolution or via the Resolver's settlement pass).
func (s *Store) ResolveTrade(t *model.Trade) error {
	_, err := s.db.Exec(`UPDATE trades SET status='resolved', actual_temp=?, won=?, pnl=?, fees=?,
		resolved_at=?, resolution_station=? WHERE id=?`,
		nullableFloat(t.ActualTemp), t.Won, t.PnL, t.Fees, t.ResolvedAt, t.ResolutionStation, t.ID)
	return err
}

// ResolvedActualTemp returns the actual_temp already recorded on any
// resolved trade for (city, date, venue). The Resolver reuses it so two
// trades on the same market never settle against different readings.
func (s *Store) ResolvedActualTemp(city, targetDate string, v model.Venue) *float64 {
	var temp sql.NullFloat64
	_ = s.db.QueryRow(`SELECT actual_temp FROM trades
		WHERE city=? AND target_date=? AND venue=? AND status='resolved' AND actual_temp IS NOT NULL
		LIMIT 1`, city, targetDate, v).Scan(&temp)
	return ptrIfValid(temp)
}

// PastDueOpenTrades returns open trades whose target_date is strictly
// before the given local-today date string for their city's timezone.
func (s *Store) PastDueOpenTrades(cityLocalToday map[string]string) ([]*model.Trade, error) {
	all, err := s.OpenTrades()
	if err != nil {
		return nil, err
	}
	var out []*model.Trade
	for _, t := range all {
		today, ok := cityLocalToday[t.City]
		if ok && t.TargetDate < today {
			out = append(out, t)
		}
	}
	return out, nil
}

// --- Opportunities ------------------------------------------------------

func (s *Store) SaveOpportunity(o *model.Opportunity) error {
	sources, _ := json.Marshal(o.ForecastSources)
	res, err := s.db.Exec(`INSERT INTO opportunities (city, target_date, venue, range_name, side,
		range_type, range_min, range_max, ask, bid, volume, probability, edge_pct, hours_to_resolution,
		forecast_temp, forecast_std_dev, confidence, forecast_sources,
		accepted, reject_reason, trade_id)
		VALUES (?,?,?,?,?, ?,?,?,?,?,?,?,?,?, ?,?,?,?, ?,?,?)`,
		o.City, o.TargetDate, o.Venue, o.RangeName, o.Side,
		o.RangeType, nullableFloat(o.RangeMin), nullableFloat(o.RangeMax),
		o.Ask, o.Bid, o.Volume, o.Probability, o.EdgePct, o.HoursToResolution,
		o.ForecastTemp, o.ForecastStdDev, o.Confidence, string(sources),
		o.Accepted, o.RejectReason, o.TradeID)
	if err != nil {
		return fmt.Errorf("save opportunity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	o.ID = id
	return nil
}

// UnresolvedOpportunities returns up to limit rows with target_date before
// the earliest local "today" and no actual_temp yet, for resolver backfill.
func (s *Store) UnresolvedOpportunities(beforeDate string, limit int) ([]*model.Opportunity, error) {
	rows, err := s.db.Query(`SELECT id, city, target_date, venue, range_name, side, range_min, range_max
		FROM opportunities WHERE target_date < ? AND actual_temp IS NULL LIMIT ?`, beforeDate, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Opportunity
	for rows.Next() {
		o := &model.Opportunity{}
		var rmin, rmax sql.NullFloat64
		if err := rows.Scan(&o.ID, &o.City, &o.TargetDate, &o.Venue, &o.RangeName, &o.Side, &rmin, &rmax); err != nil {
			return nil, err
		}
		o.RangeMin = ptrIfValid(rmin)
		o.RangeMax = ptrIfValid(rmax)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) BackfillOpportunity(id int64, actualTemp float64, wouldHaveWon bool) error {
	_, err := s.db.Exec(`UPDATE opportunities SET actual_temp=?, would_have_won=? WHERE id=?`,
		actualTemp, wouldHaveWon, id)
	return err
}

// --- Observations ---------------------------------------------------

// UpsertObservation writes a lightweight or full observation row with
// GREATEST semantics on running_high_c/f so concurrent fast/slow-loop
// writers never violate the monotonicity invariant.
func (s *Store) UpsertObservation(o model.Observation) error {
	_, err := s.db.Exec(`
INSERT INTO metar_observations (city, target_date, station_id, observed_at,
	temp_c, temp_f, running_high_c, running_high_f, wu_high_f, wu_high_c, observation_count)
VALUES (?,?,?,?, ?,?,?,?,?,?,?)
ON CONFLICT(city, target_date, observed_at) DO UPDATE SET
	running_high_c = MAX(running_high_c, excluded.running_high_c),
	running_high_f = MAX(running_high_f, excluded.running_high_f),
	wu_high_f = COALESCE(excluded.wu_high_f, wu_high_f),
	wu_high_c = COALESCE(excluded.wu_high_c, wu_high_c),
	observation_count = MAX(observation_count, excluded.observation_count)`,
		o.City, o.TargetDate, o.StationID, o.ObservedAt,
		o.TempC, o.TempF, o.RunningHighC, o.RunningHighF,
		nullableFloat(o.WUHighF), nullableFloat(o.WUHighC), o.ObservationCount)
	return err
}

// RunningHigh returns the effective running high (°F, °C) for (city, date)
// — the max across every observation row written today.
func (s *Store) RunningHigh(city, targetDate string) (highF, highC float64, err error) {
	var fF, fC sql.NullFloat64
	err = s.db.QueryRow(`SELECT MAX(running_high_f), MAX(running_high_c) FROM metar_observations
		WHERE city=? AND target_date=?`, city, targetDate).Scan(&fF, &fC)
	return fF.Float64, fC.Float64, err
}

// StationRunningHigh returns the stored running high for one station on one
// local day, or ok=false if no row exists yet. Dual-station cities need the
// per-station view so one venue's station never contaminates the other's.
func (s *Store) StationRunningHigh(city, targetDate, stationID string) (highF, highC float64, ok bool) {
	var fF, fC sql.NullFloat64
	err := s.db.QueryRow(`SELECT MAX(running_high_f), MAX(running_high_c) FROM metar_observations
		WHERE city=? AND target_date=? AND station_id=?`, city, targetDate, stationID).Scan(&fF, &fC)
	if err != nil || !fF.Valid {
		return 0, 0, false
	}
	return fF.Float64, fC.Float64, true
}

// LatestObservation returns the most recent observation row for (city, date).
func (s *Store) LatestObservation(city, targetDate string) (model.Observation, bool) {
	o := model.Observation{City: city, TargetDate: targetDate}
	var wuF, wuC sql.NullFloat64
	err := s.db.QueryRow(`SELECT station_id, observed_at, temp_c, temp_f,
		running_high_c, running_high_f, wu_high_f, wu_high_c, observation_count
		FROM metar_observations WHERE city=? AND target_date=?
		ORDER BY observed_at DESC LIMIT 1`, city, targetDate).Scan(
		&o.StationID, &o.ObservedAt, &o.TempC, &o.TempF,
		&o.RunningHighC, &o.RunningHighF, &wuF, &wuC, &o.ObservationCount)
	if err != nil {
		return o, false
	}
	o.WUHighF = ptrIfValid(wuF)
	o.WUHighC = ptrIfValid(wuC)
	return o, true
}

// LatestWUHigh returns the highest WU reading recorded for (city, date), or
// nil when the crowd provider has not reported yet.
func (s *Store) LatestWUHigh(city, targetDate string) (highF, highC *float64) {
	var fF, fC sql.NullFloat64
	_ = s.db.QueryRow(`SELECT MAX(wu_high_f), MAX(wu_high_c) FROM metar_observations
		WHERE city=? AND target_date=?`, city, targetDate).Scan(&fF, &fC)
	return ptrIfValid(fF), ptrIfValid(fC)
}

// RecordWUAudit logs a WU reading that would have lowered the running high
// (Open Question 1's decision: never lower it, but never silently drop the
// correction either).
func (s *Store) RecordWUAudit(city, stationID, targetDate string, observedAt time.Time, reportedHigh, currentRunningHigh float64) error {
	_, err := s.db.Exec(`INSERT INTO wu_audit (city, station_id, target_date, observed_at, reported_high, current_running_high)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(city, station_id, target_date, observed_at) DO NOTHING`,
		city, stationID, targetDate, observedAt, reportedHigh, currentRunningHigh)
	return err
}

func (s *Store) RecordCLIAudit(city, stationID, targetDate string, highF float64, sourceURL string) error {
	_, err := s.db.Exec(`INSERT INTO cli_audit (city, station_id, target_date, high_f, source_url)
		VALUES (?,?,?,?,?)
		ON CONFLICT(city, station_id, target_date) DO UPDATE SET high_f=excluded.high_f, source_url=excluded.source_url`,
		city, stationID, targetDate, highF, sourceURL)
	return err
}

// --- Pending events ---------------------------------------------------

// UpsertPendingEvent inserts a first detection (ON CONFLICT DO NOTHING)
// and reports whether this call was the one that created the row.
func (s *Store) UpsertPendingEvent(e model.PendingEvent) (firstDetection bool, err error) {
	res, err := s.db.Exec(`
INSERT INTO metar_pending_events (city, target_date, venue, range_name, side,
	metar_high, wu_high, metar_gap, ask_at_detection, orderbook_snapshot,
	other_venue_snapshot, poll_source, wu_triggered)
VALUES (?,?,?,?,?, ?,?,?,?,?, ?,?,?)
ON CONFLICT(city, target_date, venue, range_name, side) DO NOTHING`,
		e.City, e.TargetDate, e.Venue, e.RangeName, e.Side,
		e.MetarHigh, nullableFloat(e.WUHigh), e.MetarGap, e.AskAtDetection, e.OrderbookSnap,
		e.OtherVenueSnap, e.PollSource, e.WUTriggered)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows > 0, err
}

// ConfirmWU sets wu_confirmed_at only if it was previously null; once
// latched it never moves.
func (s *Store) ConfirmWU(city, targetDate string, v model.Venue, rangeName string, side model.Side) error {
	_, err := s.db.Exec(`UPDATE metar_pending_events SET wu_confirmed_at = CURRENT_TIMESTAMP
		WHERE city=? AND target_date=? AND venue=? AND range_name=? AND side=? AND wu_confirmed_at IS NULL`,
		city, targetDate, v, rangeName, side)
	return err
}

// MarkMarketRepriced sets market_repriced_at only if previously null.
func (s *Store) MarkMarketRepriced(city, targetDate string, v model.Venue, rangeName string, side model.Side) error {
	_, err := s.db.Exec(`UPDATE metar_pending_events SET market_repriced_at = CURRENT_TIMESTAMP
		WHERE city=? AND target_date=? AND venue=? AND range_name=? AND side=? AND market_repriced_at IS NULL`,
		city, targetDate, v, rangeName, side)
	return err
}

// ListPendingEvents returns every pending event for (city, date), keyed for
// the fast loop's dedup checks.
func (s *Store) ListPendingEvents(city, targetDate string) ([]model.PendingEvent, error) {
	rows, err := s.db.Query(`SELECT id, venue, range_name, side, metar_high, wu_high, metar_gap,
		ask_at_detection, orderbook_snapshot, poll_source, wu_triggered, wu_confirmed_at, market_repriced_at, detected_at
		FROM metar_pending_events WHERE city=? AND target_date=?`, city, targetDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PendingEvent
	for rows.Next() {
		e := model.PendingEvent{City: city, TargetDate: targetDate}
		var wuHigh sql.NullFloat64
		var snap sql.NullString
		var wuConfirmed, repriced sql.NullTime
		if err := rows.Scan(&e.ID, &e.Venue, &e.RangeName, &e.Side, &e.MetarHigh, &wuHigh, &e.MetarGap,
			&e.AskAtDetection, &snap, &e.PollSource, &e.WUTriggered, &wuConfirmed, &repriced, &e.DetectedAt); err != nil {
			return nil, err
		}
		e.WUHigh = ptrIfValid(wuHigh)
		e.OrderbookSnap = snap.String
		if wuConfirmed.Valid {
			t := wuConfirmed.Time
			e.WUConfirmedAt = &t
		}
		if repriced.Valid {
			t := repriced.Time
			e.MarketRepricedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- WU-leads-METAR ------------------------------------------------

func (s *Store) InsertWULeadsEvent(city, targetDate, stationID string, gap float64) error {
	_, err := s.db.Exec(`INSERT INTO wu_leads_events (city, target_date, station_id, first_gap)
		VALUES (?,?,?,?) ON CONFLICT(city, target_date, station_id) DO NOTHING`,
		city, targetDate, stationID, gap)
	return err
}

func (s *Store) ConfirmWULeadsEvent(city, targetDate, stationID string) error {
	_, err := s.db.Exec(`UPDATE wu_leads_events SET metar_confirmed_at = CURRENT_TIMESTAMP
		WHERE city=? AND target_date=? AND station_id=? AND metar_confirmed_at IS NULL`,
		city, targetDate, stationID)
	return err
}

// --- Forecast accuracy & calibration ---------------------------------

func (s *Store) InsertForecastAccuracy(a model.ForecastAccuracy) error {
	_, err := s.db.Exec(`INSERT INTO forecast_accuracy (city, target_date, source, forecast,
		actual, error, abs_error, unit, hours_before_resolution)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(city, target_date, source) DO UPDATE SET
			forecast=excluded.forecast, actual=excluded.actual, error=excluded.error,
			abs_error=excluded.abs_error, hours_before_resolution=excluded.hours_before_resolution`,
		a.City, a.TargetDate, a.Source, a.Forecast, a.Actual, a.Error, a.AbsError, a.Unit, a.HoursBeforeResolution)
	return err
}

// SourceBias returns the mean signed error for a source over the rolling
// window, 0 if no samples (no bias correction until data accumulates).
func (s *Store) SourceBias(city, source string, windowDays int) float64 {
	var bias sql.NullFloat64
	_ = s.db.QueryRow(`SELECT AVG(error) FROM forecast_accuracy
		WHERE source=? AND recorded_at >= datetime('now', ?)`,
		source, fmt.Sprintf("-%d days", windowDays)).Scan(&bias)
	_ = city // bias is currently tracked per-source globally; per-city bias
	// would need a city column filter here once enough volume warrants it
	return bias.Float64
}

// CityResidualStdDev returns the empirical std-dev of forecast error for a
// city over the rolling window and the sample count backing it.
func (s *Store) CityResidualStdDev(city string, windowDays int) (stdDev float64, n int) {
	rows, err := s.db.Query(`SELECT error FROM forecast_accuracy
		WHERE city=? AND recorded_at >= datetime('now', ?)`, city, fmt.Sprintf("-%d days", windowDays))
	if err != nil {
		return 0, 0
	}
	defer rows.Close()
	var errs []float64
	for rows.Next() {
		var e float64
		if err := rows.Scan(&e); err == nil {
			errs = append(errs, e)
		}
	}
	if len(errs) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, e := range errs {
		mean += e
	}
	mean /= float64(len(errs))
	variance := 0.0
	for _, e := range errs {
		variance += (e - mean) * (e - mean)
	}
	variance /= float64(len(errs))
	return math.Sqrt(variance), len(errs)
}

// SourceMAE returns a forecast source's rolling mean absolute error and
// sample count, for the source-demotion check.
func (s *Store) SourceMAE(source string, windowDays int) (mae float64, n int) {
	var avg sql.NullFloat64
	var count int
	_ = s.db.QueryRow(`SELECT AVG(abs_error), COUNT(*) FROM forecast_accuracy
		WHERE source=? AND recorded_at >= datetime('now', ?)`,
		source, fmt.Sprintf("-%d days", windowDays)).Scan(&avg, &count)
	return avg.Float64, count
}

// CityMAE returns the mean absolute forecast error for a city over the
// rolling window, plus the sample count — the city eligibility gate's input.
func (s *Store) CityMAE(city string, windowDays int) (mae float64, n int) {
	var avg sql.NullFloat64
	var count int
	_ = s.db.QueryRow(`SELECT AVG(abs_error), COUNT(*) FROM forecast_accuracy
		WHERE city=? AND recorded_at >= datetime('now', ?)`,
		city, fmt.Sprintf("-%d days", windowDays)).Scan(&avg, &count)
	return avg.Float64, count
}

func (s *Store) UpsertMarketCalibration(c model.MarketCalibration) error {
	_, err := s.db.Exec(`INSERT INTO market_calibration (venue, range_type, lead_time_bucket,
		price_bucket, empirical_win_rate, n) VALUES (?,?,?,?,?,?)
		ON CONFLICT(venue, range_type, lead_time_bucket, price_bucket) DO UPDATE SET
			empirical_win_rate=excluded.empirical_win_rate, n=excluded.n`,
		c.Venue, c.RangeType, c.LeadBucket, c.PriceBucket, c.EmpiricalWinRate, c.N)
	return err
}

func (s *Store) GetMarketCalibration(v model.Venue, rangeType model.RangeType, lead model.LeadBucket, priceBucket int) (model.MarketCalibration, bool) {
	var c model.MarketCalibration
	c.Venue, c.RangeType, c.LeadBucket, c.PriceBucket = v, rangeType, lead, priceBucket
	err := s.db.QueryRow(`SELECT empirical_win_rate, n FROM market_calibration
		WHERE venue=? AND range_type=? AND lead_time_bucket=? AND price_bucket=?`,
		v, rangeType, lead, priceBucket).Scan(&c.EmpiricalWinRate, &c.N)
	return c, err == nil
}

// ResolvedYESOpportunities returns every resolved (actual_temp set) YES
// opportunity, for the Resolver's calibration recompute.
func (s *Store) ResolvedYESOpportunities() ([]*model.Opportunity, error) {
	rows, err := s.db.Query(`SELECT venue, range_type, hours_to_resolution, ask, would_have_won
		FROM opportunities WHERE side='yes' AND actual_temp IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Opportunity
	for rows.Next() {
		o := &model.Opportunity{Side: model.SideYes}
		var won sql.NullBool
		if err := rows.Scan(&o.Venue, &o.RangeType, &o.HoursToResolution, &o.Ask, &won); err != nil {
			return nil, err
		}
		w := won.Bool
		o.WouldHaveWon = &w
		out = append(out, o)
	}
	return out, rows.Err()
}

// PeakObservationHours returns the local hour of every observation within
// windowDays where temp equaled the day's running high — the raw samples
// behind the peak-hour estimate.
func (s *Store) PeakObservationHours(city string, windowDays int, loc *time.Location) ([]int, error) {
	rows, err := s.db.Query(`SELECT observed_at FROM metar_observations
		WHERE city=? AND observed_at >= datetime('now', ?) AND temp_f = running_high_f`,
		city, fmt.Sprintf("-%d days", windowDays))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var hours []int
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		hours = append(hours, t.In(loc).Hour())
	}
	return hours, rows.Err()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func ptrIfValid(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
