// Package calendar answers the scheduler's time questions: is now a trading
// minute, and when should a loop sleep until before open or through the
// lunch break. Trading-day facts come from the persisted calendar; lookups
// are memoized for one second because every source loop asks per tick.
package calendar

import (
	"log"
	"time"

	"github.com/maypok86/otter"
)

// Trading session windows, local exchange time.
var (
	morningOpen    = clockTime{9, 30}
	morningClose   = clockTime{11, 30}
	afternoonOpen  = clockTime{13, 0}
	afternoonClose = clockTime{15, 0}

	// preOpenGate is where pre-market loops resume on trading days.
	preOpenGate = clockTime{9, 10}
)

type clockTime struct{ hour, minute int }

func (c clockTime) on(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.hour, c.minute, 0, 0, t.Location())
}

// DayStore provides persisted trading-day facts. *state.Store implements it.
type DayStore interface {
	IsTradingDay(date string) (bool, error)
	NearestPriorTradingDay(date string) (string, error)
}

// Calendar wraps a DayStore with a short memo and the window predicates.
type Calendar struct {
	store DayStore
	loc   *time.Location
	memo  otter.Cache[string, bool]
}

// New creates a Calendar for the given store and exchange timezone.
func New(store DayStore, loc *time.Location) *Calendar {
	memo, err := otter.MustBuilder[string, bool](64).
		WithTTL(time.Second).
		Build()
	if err != nil {
		panic("calendar: failed to build memo cache: " + err.Error())
	}
	return &Calendar{store: store, loc: loc, memo: memo}
}

// Location returns the exchange timezone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsTradingDay reports whether the date of t (exchange time) is a listed
// trading day. Store errors log and report false: a scheduler without a
// calendar behaves as if the market is closed rather than hammering
// upstreams on holidays.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	date := t.In(c.loc).Format("2006-01-02")
	if v, ok := c.memo.Get(date); ok {
		return v
	}
	v, err := c.store.IsTradingDay(date)
	if err != nil {
		log.Printf("[calendar] trading day lookup for %s: %v", date, err)
		return false
	}
	c.memo.Set(date, v)
	return v
}

// NearestPriorTradingDay returns the latest trading date at or before the
// date of t.
func (c *Calendar) NearestPriorTradingDay(t time.Time) (string, error) {
	return c.store.NearestPriorTradingDay(t.In(c.loc).Format("2006-01-02"))
}

// NearestPriorTradingDate is NearestPriorTradingDay for a preformatted
// "YYYY-MM-DD" date string.
func (c *Calendar) NearestPriorTradingDate(date string) (string, error) {
	return c.store.NearestPriorTradingDay(date)
}

// IsTradingMinute reports whether t falls inside a trading session:
// Monday-Friday on a calendar-validated trading day, 09:30-11:30 or
// 13:00-15:00 exchange time.
func (c *Calendar) IsTradingMinute(t time.Time) bool {
	t = t.In(c.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if !c.IsTradingDay(t) {
		return false
	}
	return inWindow(t, morningOpen, morningClose) || inWindow(t, afternoonOpen, afternoonClose)
}

// NextGate returns the time a scheduler loop should sleep until before
// resuming, or the zero time when no gate applies:
//   - on a trading day before 09:10, the gate is 09:10;
//   - between 11:30 and 13:00, the gate is 13:00.
func (c *Calendar) NextGate(t time.Time) time.Time {
	t = t.In(c.loc)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return time.Time{}
	}
	if !c.IsTradingDay(t) {
		return time.Time{}
	}
	if t.Before(preOpenGate.on(t)) {
		return preOpenGate.on(t)
	}
	if !t.Before(morningClose.on(t)) && t.Before(afternoonOpen.on(t)) {
		return afternoonOpen.on(t)
	}
	return time.Time{}
}

// Close releases the memo cache.
func (c *Calendar) Close() {
	c.memo.Close()
}

func inWindow(t time.Time, open, close clockTime) bool {
	return !t.Before(open.on(t)) && !t.After(close.on(t))
}
