package tools

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const positionSameScale = "SameScale"

var tickerPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.:/_\-!=^]{0,19}$`)

// Params is implemented by every tool's argument type.
type Params interface {
	normalize()
	// subject returns the primary symbol and any comparison symbols.
	subject() (string, []string)
}

// SymbolParams is shared by the single-symbol tools.
type SymbolParams struct {
	Symbol string `json:"symbol" validate:"required,ticker" jsonschema:"required,description=Stock or currency symbol. e.g. AAPL or MSFT or EURUSD or BTCUSD. Crypto tickers end in USD (DOGE becomes DOGEUSD)"`
}

func (p *SymbolParams) normalize() {
	p.Symbol = normalizeSymbol(p.Symbol)
}

func (p *SymbolParams) subject() (string, []string) {
	return p.Symbol, nil
}

type ComparisonSymbol struct {
	Symbol   string `json:"symbol" validate:"required,ticker" jsonschema:"required,description=Symbol to compare against"`
	Position string `json:"position" validate:"eq=SameScale" jsonschema:"required,enum=SameScale"`
}

type ChartParams struct {
	Symbol            string             `json:"symbol" validate:"required,ticker" jsonschema:"required,description=Stock or currency symbol. e.g. AAPL or MSFT or EURUSD or BTCUSD"`
	ComparisonSymbols []ComparisonSymbol `json:"comparisonSymbols" validate:"max=5,dive" jsonschema:"description=Optional symbols to compare on the same chart. Defaults to an empty list"`
}

func (p *ChartParams) normalize() {
	p.Symbol = normalizeSymbol(p.Symbol)
	if p.ComparisonSymbols == nil {
		p.ComparisonSymbols = []ComparisonSymbol{}
	}
	for i := range p.ComparisonSymbols {
		p.ComparisonSymbols[i].Symbol = normalizeSymbol(p.ComparisonSymbols[i].Symbol)
		if strings.TrimSpace(p.ComparisonSymbols[i].Position) == "" {
			p.ComparisonSymbols[i].Position = positionSameScale
		}
	}
}

func (p *ChartParams) subject() (string, []string) {
	out := make([]string, 0, len(p.ComparisonSymbols))
	for _, c := range p.ComparisonSymbols {
		out = append(out, c.Symbol)
	}
	return p.Symbol, out
}

// NoParams is the argument type of tools that take no input.
type NoParams struct{}

func (p *NoParams) normalize() {}

func (p *NoParams) subject() (string, []string) {
	return "", nil
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("ticker", func(fl validator.FieldLevel) bool {
		return tickerPattern.MatchString(fl.Field().String())
	})
	return v
}
