// Package domain contains the pure data types shared across marketsync.
// It has no infrastructure dependencies.
package domain

import "time"

// Instrument is a tradable entity identified by exchange + code.
// Code carries the exchange-qualified form used by the provider
// (e.g. "000001.SZ"), Exchange the plain exchange identifier ("SZSE").
type Instrument struct {
	Exchange          string
	Code              string
	Name              string
	Industry          string
	Area              string
	ListingDate       string // YYYY-MM-DD, empty if unknown
	Price             float64
	SharesOutstanding float64
	MarketCap         float64
	UpdatedAt         time.Time
}

// ID returns the instrument identifier used throughout the engine.
func (i Instrument) ID() string {
	return i.Code
}

// DailyBar is one day of price history for an instrument.
type DailyBar struct {
	Code     string
	Date     string // YYYY-MM-DD
	Open     float64
	High     float64
	Low      float64
	Close    float64
	PreClose float64
	Volume   int64
	Turnover float64
}

// ChangedFields compares the monitored attributes of prev against next and
// returns a column -> new value map of the ones that differ. An empty map
// means the instrument is unchanged and the sync can be skipped.
func ChangedFields(prev, next Instrument) map[string]any {
	changed := make(map[string]any)

	if prev.Name != next.Name {
		changed["name"] = next.Name
	}
	if prev.Industry != next.Industry {
		changed["industry"] = next.Industry
	}
	if prev.Area != next.Area {
		changed["area"] = next.Area
	}
	if prev.ListingDate != next.ListingDate {
		changed["listing_date"] = next.ListingDate
	}
	if prev.Price != next.Price {
		changed["price"] = next.Price
	}
	if prev.SharesOutstanding != next.SharesOutstanding {
		changed["shares_outstanding"] = next.SharesOutstanding
	}
	if prev.MarketCap != next.MarketCap {
		changed["market_cap"] = next.MarketCap
	}

	return changed
}
