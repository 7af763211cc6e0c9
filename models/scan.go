package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FilterType identifies a scan filter supported by the scanner service.
type FilterType string

const (
	FilterDelta             FilterType = "delta"
	FilterDTE               FilterType = "dte"
	FilterLiquidity         FilterType = "liquidity"
	FilterTheta             FilterType = "theta"
	FilterVega              FilterType = "vega"
	FilterIV                FilterType = "iv"
	FilterIVPercentile      FilterType = "iv_percentile"
	FilterSpreadWidth       FilterType = "spread_width"
	FilterProbabilityProfit FilterType = "probability_profit"
)

// ScanFilter is a single filter applied by the scanner service.
// It is treated as immutable once constructed.
type ScanFilter struct {
	Type   FilterType             `json:"type" yaml:"type"`
	Params map[string]interface{} `json:"params" yaml:"params"`
}

// ScanRequest describes one scan of a symbol against a set of filters.
type ScanRequest struct {
	Symbol  string       `json:"symbol"`
	Filters []ScanFilter `json:"filters"`
	Limit   int          `json:"limit"`
	SortBy  string       `json:"sort_by"`
}

// CacheKey derives a canonical cache key from the symbol and filter set.
// The key is independent of filter ordering: each filter is serialized
// (encoding/json emits map keys sorted) and the serialized filters are
// sorted before joining.
func (r ScanRequest) CacheKey() string {
	parts := make([]string, 0, len(r.Filters))
	for _, f := range r.Filters {
		params, err := json.Marshal(f.Params)
		if err != nil {
			params = []byte(fmt.Sprintf("%v", f.Params))
		}
		parts = append(parts, fmt.Sprintf("%s=%s", f.Type, params))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s|%s", r.Symbol, strings.Join(parts, "_"))
}

// OptionContract is a single option leg as reported by the scanner.
type OptionContract struct {
	Symbol       string  `json:"symbol"`
	Expiry       string  `json:"expiry"`
	Strike       float64 `json:"strike"`
	Right        string  `json:"right"` // "C" or "P"
	Delta        float64 `json:"delta"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	IV           float64 `json:"iv"`
	Volume       int     `json:"volume"`
	OpenInterest int     `json:"open_interest"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
}

// VerticalSpread is one spread candidate from the scanner results.
type VerticalSpread struct {
	LongLeg           OptionContract `json:"long_leg"`
	ShortLeg          OptionContract `json:"short_leg"`
	NetDebit          float64        `json:"net_debit"`
	MaxProfit         float64        `json:"max_profit"`
	MaxLoss           float64        `json:"max_loss"`
	Breakeven         float64        `json:"breakeven"`
	ProbabilityProfit float64        `json:"probability_profit"`
	Score             float64        `json:"score"`
}

// ScanResponse is the scanner service response envelope.
type ScanResponse struct {
	Spreads []VerticalSpread `json:"spreads"`
}
