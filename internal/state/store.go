package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/tickerd/tickerd/internal/market"
)

// Dates are stored and compared as "YYYY-MM-DD" strings, which collate
// correctly under SQLite's default ordering.

// --- trading calendar ---

// IsTradingDay reports whether date is a listed trading day.
func (s *Store) IsTradingDay(date string) (bool, error) {
	var found string
	err := s.db.QueryRow(`SELECT trading_date FROM trading_day WHERE trading_date = ?`, date).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: is trading day: %w", err)
	}
	return true, nil
}

// NearestPriorTradingDay returns the latest trading date at or before date.
// ErrNotFound when the calendar has no such day.
func (s *Store) NearestPriorTradingDay(date string) (string, error) {
	var found string
	err := s.db.QueryRow(`
		SELECT trading_date FROM trading_day
		WHERE trading_date <= ?
		ORDER BY trading_date DESC LIMIT 1
	`, date).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state: nearest prior trading day: %w", err)
	}
	return found, nil
}

// RecentTradingDates returns up to n trading dates at or before date,
// newest first.
func (s *Store) RecentTradingDates(date string, n int) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT trading_date FROM trading_day
		WHERE trading_date <= ?
		ORDER BY trading_date DESC LIMIT ?
	`, date, n)
	if err != nil {
		return nil, fmt.Errorf("state: recent trading dates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// InsertTradingDays adds dates to the calendar, ignoring duplicates.
func (s *Store) InsertTradingDays(dates []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("state: insert trading days: %w", err)
	}
	defer tx.Rollback()

	for _, d := range dates {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO trading_day (trading_date) VALUES (?)`, d); err != nil {
			return fmt.Errorf("state: insert trading day %s: %w", d, err)
		}
	}
	return tx.Commit()
}

// --- strategy table ---

// StrategyRow is one moving-average strategy pick.
type StrategyRow struct {
	StockCode    market.StockCode `json:"StockCode"`
	StockName    string           `json:"StockName"`
	TradingDate  string           `json:"TradingDate"`
	StrategyType string           `json:"StrategyType"`
	Close        float64          `json:"Close"`
}

// StrategyRows returns the strategy picks for date.
func (s *Store) StrategyRows(date string) ([]StrategyRow, error) {
	rows, err := s.db.Query(`
		SELECT stock_code, stock_name, trading_date, strategy_type, close
		FROM ma_strategies WHERE trading_date = ?
		ORDER BY stock_code
	`, date)
	if err != nil {
		return nil, fmt.Errorf("state: strategy rows: %w", err)
	}
	defer rows.Close()

	var out []StrategyRow
	for rows.Next() {
		var r StrategyRow
		if err := rows.Scan(&r.StockCode, &r.StockName, &r.TradingDate, &r.StrategyType, &r.Close); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StrategyCodesForDate returns the distinct codes picked on date.
func (s *Store) StrategyCodesForDate(date string) ([]market.StockCode, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT stock_code FROM ma_strategies WHERE trading_date = ?
	`, date)
	if err != nil {
		return nil, fmt.Errorf("state: strategy codes: %w", err)
	}
	defer rows.Close()
	return scanCodes(rows)
}

// LatestStrategyCodes returns the codes picked on the most recent strategy
// date, or nil when the table is empty.
func (s *Store) LatestStrategyCodes() ([]market.StockCode, error) {
	var latest sql.NullString
	err := s.db.QueryRow(`SELECT MAX(trading_date) FROM ma_strategies`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("state: latest strategy date: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return s.StrategyCodesForDate(latest.String)
}

// InsertStrategyRow upserts one strategy pick.
func (s *Store) InsertStrategyRow(r StrategyRow) error {
	_, err := s.db.Exec(`
		INSERT INTO ma_strategies (stock_code, stock_name, trading_date, strategy_type, close)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stock_code, trading_date, strategy_type) DO UPDATE SET
			stock_name = excluded.stock_name,
			close      = excluded.close
	`, r.StockCode, r.StockName, r.TradingDate, r.StrategyType, r.Close)
	if err != nil {
		return fmt.Errorf("state: insert strategy row: %w", err)
	}
	return nil
}

// --- limit-up tables ---

// LimitupUnfilledRow is one limit-up order-book row with its streak length.
type LimitupUnfilledRow struct {
	StockCode      market.StockCode `json:"StockCode"`
	StockName      string           `json:"StockName"`
	TradingDate    string           `json:"TradingDate"`
	LimitupPrice   float64          `json:"LimitupPrice"`
	UnfilledVolume float64          `json:"UnfilledVolume"`
	StreakDays     int              `json:"StreakDays"`
}

// LimitupUnfilledRows returns the unfilled limit-up rows for date, joined
// with the streak-days table.
func (s *Store) LimitupUnfilledRows(date string) ([]LimitupUnfilledRow, error) {
	rows, err := s.db.Query(`
		SELECT u.stock_code, u.stock_name, u.trading_date, u.limitup_price, u.unfilled_volume,
		       COALESCE(d.streak_days, 0)
		FROM limitup_unfilled_orders u
		LEFT JOIN daily_limitup_stocks d
		  ON d.stock_code = u.stock_code AND d.trading_date = u.trading_date
		WHERE u.trading_date = ?
		ORDER BY u.stock_code
	`, date)
	if err != nil {
		return nil, fmt.Errorf("state: limitup unfilled rows: %w", err)
	}
	defer rows.Close()

	var out []LimitupUnfilledRow
	for rows.Next() {
		var r LimitupUnfilledRow
		if err := rows.Scan(&r.StockCode, &r.StockName, &r.TradingDate, &r.LimitupPrice, &r.UnfilledVolume, &r.StreakDays); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestLimitupCodes returns the codes with unfilled limit-up orders on the
// most recent recorded date, or nil when the table is empty.
func (s *Store) LatestLimitupCodes() ([]market.StockCode, error) {
	var latest sql.NullString
	err := s.db.QueryRow(`SELECT MAX(trading_date) FROM limitup_unfilled_orders`).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("state: latest limitup date: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT DISTINCT stock_code FROM limitup_unfilled_orders WHERE trading_date = ?
	`, latest.String)
	if err != nil {
		return nil, fmt.Errorf("state: latest limitup codes: %w", err)
	}
	defer rows.Close()
	return scanCodes(rows)
}

// InsertLimitupUnfilledRow upserts one unfilled limit-up row and its streak.
func (s *Store) InsertLimitupUnfilledRow(r LimitupUnfilledRow) error {
	_, err := s.db.Exec(`
		INSERT INTO limitup_unfilled_orders (stock_code, stock_name, trading_date, limitup_price, unfilled_volume)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stock_code, trading_date) DO UPDATE SET
			stock_name      = excluded.stock_name,
			limitup_price   = excluded.limitup_price,
			unfilled_volume = excluded.unfilled_volume
	`, r.StockCode, r.StockName, r.TradingDate, r.LimitupPrice, r.UnfilledVolume)
	if err != nil {
		return fmt.Errorf("state: insert limitup row: %w", err)
	}
	if r.StreakDays > 0 {
		_, err = s.db.Exec(`
			INSERT INTO daily_limitup_stocks (stock_code, trading_date, streak_days)
			VALUES (?, ?, ?)
			ON CONFLICT(stock_code, trading_date) DO UPDATE SET streak_days = excluded.streak_days
		`, r.StockCode, r.TradingDate, r.StreakDays)
		if err != nil {
			return fmt.Errorf("state: insert limitup streak: %w", err)
		}
	}
	return nil
}

// --- daily rows and rankings ---

// DailyRow is one end-of-day bar.
type DailyRow struct {
	StockCode    market.StockCode `json:"StockCode"`
	TradingDate  string           `json:"TradingDate"`
	Open         float64          `json:"Open"`
	Close        float64          `json:"Close"`
	High         float64          `json:"High"`
	Low          float64          `json:"Low"`
	Volume       float64          `json:"Volume"`
	TurnoverRate float64          `json:"TurnoverRate"`
}

// DailyRows returns the bars for codes across dates, newest date first.
func (s *Store) DailyRows(codes []market.StockCode, dates []string) ([]DailyRow, error) {
	if len(codes) == 0 || len(dates) == 0 {
		return nil, nil
	}
	query := `
		SELECT stock_code, trading_date, open, close, high, low, volume, turnover_rate
		FROM daily_stock_data
		WHERE stock_code IN (` + placeholders(len(codes)) + `)
		  AND trading_date IN (` + placeholders(len(dates)) + `)
		ORDER BY trading_date DESC, stock_code`
	args := make([]any, 0, len(codes)+len(dates))
	for _, c := range codes {
		args = append(args, string(c))
	}
	for _, d := range dates {
		args = append(args, d)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: daily rows: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.StockCode, &r.TradingDate, &r.Open, &r.Close, &r.High, &r.Low, &r.Volume, &r.TurnoverRate); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertDailyRow upserts one end-of-day bar.
func (s *Store) InsertDailyRow(r DailyRow) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_stock_data (stock_code, trading_date, open, close, high, low, volume, turnover_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stock_code, trading_date) DO UPDATE SET
			open = excluded.open, close = excluded.close,
			high = excluded.high, low = excluded.low,
			volume = excluded.volume, turnover_rate = excluded.turnover_rate
	`, r.StockCode, r.TradingDate, r.Open, r.Close, r.High, r.Low, r.Volume, r.TurnoverRate)
	if err != nil {
		return fmt.Errorf("state: insert daily row: %w", err)
	}
	return nil
}

// RankRow is one (code, rank) pair from a ranking table.
type RankRow struct {
	StockCode market.StockCode `json:"StockCode"`
	Rank      int              `json:"Rank"`
}

// PopularityRows returns popularity ranks for codes on date.
func (s *Store) PopularityRows(codes []market.StockCode, date string) (map[market.StockCode]int, error) {
	return s.rankRows("stock_popularity_ranking", codes, date)
}

// TurnoverRows returns turnover ranks for codes on date.
func (s *Store) TurnoverRows(codes []market.StockCode, date string) (map[market.StockCode]int, error) {
	return s.rankRows("stock_turnover_ranking", codes, date)
}

func (s *Store) rankRows(table string, codes []market.StockCode, date string) (map[market.StockCode]int, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	query := `SELECT stock_code, rank FROM ` + table +
		` WHERE trading_date = ? AND stock_code IN (` + placeholders(len(codes)) + `)`
	args := make([]any, 0, len(codes)+1)
	args = append(args, date)
	for _, c := range codes {
		args = append(args, string(c))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[market.StockCode]int)
	for rows.Next() {
		var code market.StockCode
		var rank int
		if err := rows.Scan(&code, &rank); err != nil {
			return nil, err
		}
		out[code] = rank
	}
	return out, rows.Err()
}

// InsertPopularityRank upserts one popularity-ranking row.
func (s *Store) InsertPopularityRank(code market.StockCode, date string, rank int) error {
	_, err := s.db.Exec(`
		INSERT INTO stock_popularity_ranking (stock_code, trading_date, rank)
		VALUES (?, ?, ?)
		ON CONFLICT(stock_code, trading_date) DO UPDATE SET rank = excluded.rank
	`, code, date, rank)
	if err != nil {
		return fmt.Errorf("state: insert popularity rank: %w", err)
	}
	return nil
}

// InsertTurnoverRank upserts one turnover-ranking row.
func (s *Store) InsertTurnoverRank(code market.StockCode, date string, rank int, turnover float64) error {
	_, err := s.db.Exec(`
		INSERT INTO stock_turnover_ranking (stock_code, trading_date, rank, turnover)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stock_code, trading_date) DO UPDATE SET
			rank = excluded.rank, turnover = excluded.turnover
	`, code, date, rank, turnover)
	if err != nil {
		return fmt.Errorf("state: insert turnover rank: %w", err)
	}
	return nil
}

// --- helpers ---

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}

func scanCodes(rows *sql.Rows) ([]market.StockCode, error) {
	var out []market.StockCode
	for rows.Next() {
		var code market.StockCode
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}
