package domain

import "encoding/json"

type RenderKind string

const (
	RenderText        RenderKind = "text"
	RenderWidget      RenderKind = "widget"
	RenderPlaceholder RenderKind = "placeholder"
	RenderError       RenderKind = "error"
)

// RenderUnit is the caller-facing projection of one or more entries. The
// concrete types below are the only implementations.
type RenderUnit interface {
	Key() string
	Kind() RenderKind
	isRenderUnit()
}

// TextRender is a user or assistant text bubble. While Streaming is true the
// unit is replaced on every delta; Delta holds the latest increment.
type TextRender struct {
	ID        string
	Role      Role
	Text      string
	Delta     string
	Streaming bool
}

// PlaceholderRender stands in for a widget that is still being computed, or,
// when Inert is set, for a stored tool call that can no longer be rendered.
type PlaceholderRender struct {
	ID       string
	ToolName string
	Inert    bool
}

// WidgetRender is a financial widget plus its caption.
type WidgetRender struct {
	ID       string
	ToolName string
	Params   json.RawMessage
	Caption  string
}

// ErrorRender carries a user-safe message only.
type ErrorRender struct {
	ID      string
	Message string
}

func (r TextRender) Key() string        { return r.ID }
func (r PlaceholderRender) Key() string { return r.ID }
func (r WidgetRender) Key() string      { return r.ID }
func (r ErrorRender) Key() string       { return r.ID }

func (TextRender) Kind() RenderKind        { return RenderText }
func (PlaceholderRender) Kind() RenderKind { return RenderPlaceholder }
func (WidgetRender) Kind() RenderKind      { return RenderWidget }
func (ErrorRender) Kind() RenderKind       { return RenderError }

func (TextRender) isRenderUnit()        {}
func (PlaceholderRender) isRenderUnit() {}
func (WidgetRender) isRenderUnit()      {}
func (ErrorRender) isRenderUnit()       {}
