package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"market-chat/internal/domain"
)

const defaultCaptionTimeout = 8 * time.Second

var (
	ErrUnknownTool      = errors.New("tools: unknown tool")
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

// Tool is one widget the model may ask for.
type Tool struct {
	Name        string
	Label       string
	Description string
	newParams   func() Params
}

// Captioner writes a short caption for a rendered widget.
type Captioner interface {
	Caption(ctx context.Context, req domain.CaptionRequest) (string, error)
}

// Invocation is a validated tool call, ready to complete.
type Invocation struct {
	EntryID     string
	CallID      string
	ToolName    string
	Args        json.RawMessage
	Symbol      string
	Comparisons []string
	label       string
}

// CaptionContext carries what the captioner sees besides the invocation.
type CaptionContext struct {
	Model   string
	History []domain.ChatMessage
}

// ResultPayload is the stored result of a completed tool call.
type ResultPayload struct {
	Params  json.RawMessage `json:"params"`
	Caption string          `json:"caption"`
}

type Registry struct {
	tools          map[string]Tool
	order          []string
	validate       *validator.Validate
	captioner      Captioner
	captionTimeout time.Duration
	newID          func() string
	logger         *slog.Logger
}

type Option func(*Registry)

func WithCaptioner(c Captioner) Option {
	return func(r *Registry) {
		r.captioner = c
	}
}

func WithCaptionTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.captionTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func withIDs(f func() string) Option {
	return func(r *Registry) {
		r.newID = f
	}
}

// NewRegistry returns the registry of financial widgets.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:          make(map[string]Tool),
		validate:       newValidator(),
		captionTimeout: defaultCaptionTimeout,
		newID:          uuid.NewString,
		logger:         slog.Default(),
	}
	for _, t := range builtin() {
		r.tools[t.Name] = t
		r.order = append(r.order, t.Name)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func builtin() []Tool {
	symbol := func() Params { return &SymbolParams{} }
	none := func() Params { return &NoParams{} }
	return []Tool{
		{Name: "showStockChart", Label: "stock chart", Description: "Show a stock chart. Optionally compare it with other symbols.", newParams: func() Params { return &ChartParams{} }},
		{Name: "showStockPrice", Label: "stock price", Description: "Show the current price of a stock or currency.", newParams: symbol},
		{Name: "showStockFinancials", Label: "financials", Description: "Show the financial statements of a stock.", newParams: symbol},
		{Name: "showStockNews", Label: "news", Description: "Show the latest news about a stock or cryptocurrency.", newParams: symbol},
		{Name: "showStockScreener", Label: "stock screener", Description: "Show a stock screener filtered by financial or technical criteria.", newParams: none},
		{Name: "showMarketOverview", Label: "market overview", Description: "Show an overview of stock, futures, bond and forex market performance.", newParams: none},
		{Name: "showMarketHeatmap", Label: "market heatmap", Description: "Show a heatmap of stock market performance by sector.", newParams: none},
		{Name: "showTrendingStocks", Label: "trending stocks", Description: "Show today's trending stocks: top gainers, top losers and most active.", newParams: none},
		{Name: "showETFHeatmap", Label: "ETF heatmap", Description: "Show a heatmap of ETF performance by sector and asset class.", newParams: none},
	}
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Specs describes every tool for the model, in registration order.
func (r *Registry) Specs() []domain.ToolSpec {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	specs := make([]domain.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, domain.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  reflector.Reflect(t.newParams()),
		})
	}
	return specs
}

// Begin validates a model tool call. Nothing is recorded when it fails.
func (r *Registry) Begin(call domain.ToolCall) (Invocation, domain.PlaceholderRender, error) {
	t, ok := r.tools[call.Name]
	if !ok {
		return Invocation{}, domain.PlaceholderRender{}, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
	params, canonical, err := r.decode(t, call.Arguments)
	if err != nil {
		return Invocation{}, domain.PlaceholderRender{}, err
	}
	callID := strings.TrimSpace(call.ID)
	if callID == "" {
		callID = r.newID()
	}
	symbol, comparisons := params.subject()
	inv := Invocation{
		EntryID:     r.newID(),
		CallID:      callID,
		ToolName:    t.Name,
		Args:        canonical,
		Symbol:      symbol,
		Comparisons: comparisons,
		label:       t.Label,
	}
	return inv, domain.PlaceholderRender{ID: inv.EntryID, ToolName: t.Name}, nil
}

// Complete computes the result payload and caption. A caption failure never
// fails the call; it falls back to a fixed sentence.
func (r *Registry) Complete(ctx context.Context, inv Invocation, cc CaptionContext) (domain.WidgetRender, domain.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.WidgetRender{}, domain.ToolResult{}, err
	}
	if _, ok := r.tools[inv.ToolName]; !ok {
		return domain.WidgetRender{}, domain.ToolResult{}, fmt.Errorf("%w: %q", ErrUnknownTool, inv.ToolName)
	}

	caption := r.caption(ctx, inv, cc)
	payload, err := json.Marshal(ResultPayload{Params: inv.Args, Caption: caption})
	if err != nil {
		return domain.WidgetRender{}, domain.ToolResult{}, fmt.Errorf("tools: encode %s result: %w", inv.ToolName, err)
	}
	render := domain.WidgetRender{
		ID:       inv.EntryID,
		ToolName: inv.ToolName,
		Params:   inv.Args,
		Caption:  caption,
	}
	result := domain.ToolResult{CallID: inv.CallID, ToolName: inv.ToolName, Result: payload}
	return render, result, nil
}

// Widget rebuilds the render of a stored invocation from its paired result.
// It never calls out.
func (r *Registry) Widget(entryID string, call domain.ToolInvocation, result *domain.ToolResult) (domain.RenderUnit, bool) {
	if _, ok := r.tools[call.ToolName]; !ok {
		return domain.PlaceholderRender{ID: entryID, ToolName: call.ToolName, Inert: true}, false
	}
	w := domain.WidgetRender{ID: entryID, ToolName: call.ToolName, Params: call.Args}
	if result != nil {
		if payload, err := DecodeResult(result.Result); err == nil {
			w.Caption = payload.Caption
		}
	}
	return w, true
}

// Describe summarizes a stored invocation as text the model can read.
func (r *Registry) Describe(call domain.ToolInvocation) string {
	t, ok := r.tools[call.ToolName]
	if !ok {
		return fmt.Sprintf("[displayed %s]", call.ToolName)
	}
	p := t.newParams()
	if err := json.Unmarshal(call.Args, p); err != nil {
		return fmt.Sprintf("[displayed %s]", t.Name)
	}
	symbol, comparisons := p.subject()
	if symbol == "" {
		return fmt.Sprintf("[displayed %s]", t.Name)
	}
	return fmt.Sprintf("[displayed %s for %s]", t.Name, strings.Join(append([]string{symbol}, comparisons...), ", "))
}

// DecodeResult parses a stored result payload.
func DecodeResult(raw json.RawMessage) (ResultPayload, error) {
	var p ResultPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ResultPayload{}, fmt.Errorf("tools: decode result: %w", err)
	}
	return p, nil
}

func (r *Registry) decode(t Tool, raw json.RawMessage) (Params, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	p := t.newParams()
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, t.Name, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, nil, fmt.Errorf("%w: %s: trailing data", ErrInvalidArguments, t.Name)
	}
	p.normalize()
	if err := r.validate.Struct(p); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, t.Name, err)
	}
	canonical, err := json.Marshal(p)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: encode %s arguments: %w", t.Name, err)
	}
	return p, canonical, nil
}
