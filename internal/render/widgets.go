// Package render turns render units into the JSON views sent to clients and
// attaches the embed descriptor each financial widget is drawn with.
package render

import (
	"encoding/json"
	"strings"
)

const embedBaseURL = "https://s3.tradingview.com/external-embedding/"

// Embed describes a client-side widget: the script to load and its config.
// An inert embed has no script and is shown as a static placeholder.
type Embed struct {
	Script string         `json:"script,omitempty"`
	Config map[string]any `json:"config,omitempty"`
	Inert  bool           `json:"inert,omitempty"`
}

// WidgetRenderer maps a tool name and its validated arguments to an Embed.
type WidgetRenderer interface {
	Embed(toolName string, params json.RawMessage) Embed
}

type widgetParams struct {
	Symbol            string `json:"symbol"`
	ComparisonSymbols []struct {
		Symbol   string `json:"symbol"`
		Position string `json:"position"`
	} `json:"comparisonSymbols"`
}

// TradingView renders widgets with the public TradingView embed scripts.
type TradingView struct {
	Theme  string
	Locale string
}

func NewTradingView(theme, locale string) TradingView {
	tv := TradingView{Theme: strings.TrimSpace(theme), Locale: strings.TrimSpace(locale)}
	if tv.Theme == "" {
		tv.Theme = "light"
	}
	if tv.Locale == "" {
		tv.Locale = "en"
	}
	return tv
}

func (tv TradingView) Embed(toolName string, params json.RawMessage) Embed {
	var p widgetParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Embed{Inert: true}
		}
	}

	switch toolName {
	case "showStockChart":
		compare := make([]map[string]any, 0, len(p.ComparisonSymbols))
		for _, c := range p.ComparisonSymbols {
			compare = append(compare, map[string]any{"symbol": c.Symbol, "position": c.Position})
		}
		return tv.embed("embed-widget-advanced-chart.js", map[string]any{
			"symbol":         p.Symbol,
			"autosize":       true,
			"interval":       "D",
			"timezone":       "Etc/UTC",
			"style":          "1",
			"theme":          tv.Theme,
			"compareSymbols": compare,
		})
	case "showStockPrice":
		return tv.embed("embed-widget-symbol-info.js", map[string]any{
			"symbol":        p.Symbol,
			"width":         "100%",
			"isTransparent": true,
			"colorTheme":    tv.Theme,
		})
	case "showStockFinancials":
		return tv.embed("embed-widget-financials.js", map[string]any{
			"symbol":      p.Symbol,
			"displayMode": "regular",
			"width":       "100%",
			"height":      "100%",
			"colorTheme":  tv.Theme,
		})
	case "showStockNews":
		return tv.embed("embed-widget-timeline.js", map[string]any{
			"feedMode":    "symbol",
			"symbol":      p.Symbol,
			"displayMode": "regular",
			"width":       "100%",
			"height":      "100%",
			"colorTheme":  tv.Theme,
		})
	case "showStockScreener":
		return tv.embed("embed-widget-screener.js", map[string]any{
			"market":        "america",
			"defaultColumn": "overview",
			"defaultScreen": "most_capitalized",
			"width":         "100%",
			"height":        "100%",
			"colorTheme":    tv.Theme,
		})
	case "showMarketOverview":
		return tv.embed("embed-widget-market-overview.js", map[string]any{
			"dateRange":  "12M",
			"showChart":  true,
			"width":      "100%",
			"height":     "100%",
			"colorTheme": tv.Theme,
			"tabs": []map[string]any{
				{"title": "Indices", "symbols": []map[string]string{{"s": "FOREXCOM:SPXUSD"}, {"s": "FOREXCOM:NSXUSD"}, {"s": "FOREXCOM:DJI"}}},
				{"title": "Crypto", "symbols": []map[string]string{{"s": "BITSTAMP:BTCUSD"}, {"s": "BITSTAMP:ETHUSD"}}},
			},
		})
	case "showMarketHeatmap":
		return tv.embed("embed-widget-stock-heatmap.js", map[string]any{
			"dataSource": "SPX500",
			"blockSize":  "market_cap_basic",
			"blockColor": "change",
			"grouping":   "sector",
			"hasTopBar":  false,
			"width":      "100%",
			"height":     "100%",
			"colorTheme": tv.Theme,
		})
	case "showTrendingStocks":
		return tv.embed("embed-widget-hotlists.js", map[string]any{
			"exchange":   "US",
			"dateRange":  "12M",
			"showChart":  true,
			"width":      "100%",
			"height":     "100%",
			"colorTheme": tv.Theme,
		})
	case "showETFHeatmap":
		return tv.embed("embed-widget-etf-heatmap.js", map[string]any{
			"dataSource": "AllUSEtf",
			"blockSize":  "aum",
			"blockColor": "change",
			"grouping":   "asset_class",
			"hasTopBar":  false,
			"width":      "100%",
			"height":     "100%",
			"colorTheme": tv.Theme,
		})
	default:
		return Embed{Inert: true}
	}
}

func (tv TradingView) embed(script string, config map[string]any) Embed {
	config["locale"] = tv.Locale
	return Embed{Script: embedBaseURL + script, Config: config}
}
