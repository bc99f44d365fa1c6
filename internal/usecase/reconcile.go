package usecase

import (
	"context"
	"errors"
	"log/slog"

	"market-chat/internal/domain"
)

const corruptStateMessage = "This conversation could not be restored."

// WidgetRebuilder renders a stored tool invocation without calling out.
type WidgetRebuilder interface {
	Widget(entryID string, call domain.ToolInvocation, result *domain.ToolResult) (domain.RenderUnit, bool)
}

// Reconciler rebuilds render units from stored state. It never calls the model.
type Reconciler struct {
	widgets WidgetRebuilder
	logger  *slog.Logger
}

func NewReconciler(widgets WidgetRebuilder, logger *slog.Logger) (*Reconciler, error) {
	if widgets == nil {
		return nil, errors.New("usecase: widget rebuilder must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{widgets: widgets, logger: logger}, nil
}

// Reconcile maps a snapshot to render units. The same snapshot always yields
// the same units.
func (r *Reconciler) Reconcile(snap domain.Snapshot) []domain.RenderUnit {
	return r.reconcile(snap, nil)
}

// Load decodes a stored state blob and reconciles it. A corrupt blob yields a
// single ErrorRender; a corrupt entry becomes an inert placeholder.
func (r *Reconciler) Load(ctx context.Context, stateData string) (domain.Snapshot, []domain.RenderUnit, error) {
	snap, issues, err := domain.DecodeState(stateData)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconcile: stored state is unreadable", "err", err)
		return domain.Snapshot{}, []domain.RenderUnit{domain.ErrorRender{ID: "state", Message: corruptStateMessage}}, err
	}
	var corrupt map[string]bool
	for _, issue := range issues {
		r.logger.WarnContext(ctx, "reconcile: stored entry is unreadable", "err", issue)
		var decodeErr *domain.ContentDecodeError
		if errors.As(issue, &decodeErr) {
			if corrupt == nil {
				corrupt = make(map[string]bool)
			}
			corrupt[decodeErr.EntryID] = true
		}
	}
	return snap, r.reconcile(snap, corrupt), nil
}

func (r *Reconciler) reconcile(snap domain.Snapshot, corrupt map[string]bool) []domain.RenderUnit {
	units := make([]domain.RenderUnit, 0, len(snap.Entries))
	for i, e := range snap.Entries {
		switch e.Role {
		case domain.RoleUser:
			text, _ := e.Content.Text()
			units = append(units, domain.TextRender{ID: e.ID, Role: domain.RoleUser, Text: text})
		case domain.RoleAssistant:
			if corrupt[e.ID] {
				units = append(units, domain.PlaceholderRender{ID: e.ID, Inert: true})
				continue
			}
			if call, ok := e.Content.ToolCall(); ok {
				unit, _ := r.widgets.Widget(e.ID, call, pairedResult(snap.Entries, i, call.CallID))
				units = append(units, unit)
				continue
			}
			text, _ := e.Content.Text()
			units = append(units, domain.TextRender{ID: e.ID, Role: domain.RoleAssistant, Text: text})
		}
	}
	return units
}

// pairedResult returns the result stored right after the invocation at i.
// Call ids are only unique within a pair, so results are never looked up
// elsewhere in the log.
func pairedResult(entries []domain.Entry, i int, callID string) *domain.ToolResult {
	if i+1 >= len(entries) {
		return nil
	}
	res, ok := entries[i+1].Content.ToolResult()
	if !ok || res.CallID != callID {
		return nil
	}
	return &res
}
