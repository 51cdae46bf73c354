package market

import "fmt"

// CallerTag identifies which dashboard or subsystem expressed interest in a
// code. The set is closed; new tags require a code change.
type CallerTag string

const (
	CallerWatchlist CallerTag = "watchlist"
	CallerStrategy  CallerTag = "strategy"
	CallerLimitup   CallerTag = "limitup"
	CallerRefresh   CallerTag = "refresh"
	CallerBootstrap CallerTag = "bootstrap"
)

// CallerTags lists every valid tag.
func CallerTags() []CallerTag {
	return []CallerTag{CallerWatchlist, CallerStrategy, CallerLimitup, CallerRefresh, CallerBootstrap}
}

// ParseCallerTag validates s against the closed tag set.
func ParseCallerTag(s string) (CallerTag, error) {
	switch CallerTag(s) {
	case CallerWatchlist, CallerStrategy, CallerLimitup, CallerRefresh, CallerBootstrap:
		return CallerTag(s), nil
	}
	return "", fmt.Errorf("market.ParseCallerTag: unknown tag %q", s)
}

// Source names an upstream quote source class.
type Source string

const (
	SourceFast   Source = "fast"
	SourceSlow   Source = "slow"
	SourceScrape Source = "scrape"
)

// Sources lists every source in scheduling order.
func Sources() []Source {
	return []Source{SourceFast, SourceSlow, SourceScrape}
}

// ParseSource validates s against the closed source set.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceFast, SourceSlow, SourceScrape:
		return Source(s), nil
	}
	return "", fmt.Errorf("market.ParseSource: unknown source %q", s)
}
