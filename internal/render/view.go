package render

import (
	"encoding/json"

	"market-chat/internal/domain"
)

// View is the wire form of one render unit.
type View struct {
	Key       string          `json:"key"`
	Kind      string          `json:"kind"`
	Role      string          `json:"role,omitempty"`
	Text      string          `json:"text,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Streaming bool            `json:"streaming,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Caption   string          `json:"caption,omitempty"`
	Message   string          `json:"message,omitempty"`
	Embed     *Embed          `json:"embed,omitempty"`
}

// Presenter projects render units to views.
type Presenter struct {
	widgets WidgetRenderer
}

func NewPresenter(widgets WidgetRenderer) *Presenter {
	return &Presenter{widgets: widgets}
}

func (p *Presenter) View(u domain.RenderUnit) View {
	v := View{Key: u.Key(), Kind: string(u.Kind())}
	switch r := u.(type) {
	case domain.TextRender:
		v.Role = string(r.Role)
		v.Text = r.Text
		v.Delta = r.Delta
		v.Streaming = r.Streaming
	case domain.PlaceholderRender:
		v.ToolName = r.ToolName
		if r.Inert {
			v.Embed = &Embed{Inert: true}
		}
	case domain.WidgetRender:
		v.ToolName = r.ToolName
		v.Params = r.Params
		v.Caption = r.Caption
		if p.widgets != nil {
			embed := p.widgets.Embed(r.ToolName, r.Params)
			v.Embed = &embed
		}
	case domain.ErrorRender:
		v.Message = r.Message
	}
	return v
}

func (p *Presenter) Views(units []domain.RenderUnit) []View {
	out := make([]View, 0, len(units))
	for _, u := range units {
		out = append(out, p.View(u))
	}
	return out
}

// Settle keeps the last unit for each key, in the order keys first appeared.
// Streaming text collapses to its final text and a placeholder to its widget.
func Settle(units []domain.RenderUnit) []domain.RenderUnit {
	index := make(map[string]int, len(units))
	out := make([]domain.RenderUnit, 0, len(units))
	for _, u := range units {
		if i, ok := index[u.Key()]; ok {
			out[i] = u
			continue
		}
		index[u.Key()] = len(out)
		out = append(out, u)
	}
	return out
}
