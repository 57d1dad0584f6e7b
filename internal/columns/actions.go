package columns

import (
	"fmt"
	"strings"

	"github.com/pitabwire/tabula/internal/locale"
	"github.com/pitabwire/tabula/model"
)

// Condition effects.
const (
	EffectHide    = "hide"
	EffectShow    = "show"
	EffectDisable = "disable"
	EffectEnable  = "enable"
)

// Actions returns the row actions the capability set allows, with labels and
// confirmation text localized. Conditions are passed through for the client
// to evaluate per row.
func Actions(caps model.CapabilitySet, defs []model.ActionDefinition, loc *locale.Localizer) []model.ActionDescriptor {
	result := []model.ActionDescriptor{}
	for _, action := range defs {
		if !Permitted(caps, action) {
			continue
		}

		desc := model.ActionDescriptor{
			ID:      action.ID,
			Label:   loc.Text(action.Label, nil),
			Icon:    action.Icon,
			Style:   action.Style,
			Variant: action.Variant,
		}
		if c := action.Confirmation; c != nil {
			desc.Confirmation = &model.ConfirmationDescriptor{
				Title:   loc.Text(c.Title, nil),
				Message: loc.Text(c.Message, nil),
				Confirm: loc.Text(c.Confirm, nil),
				Cancel:  loc.Text(c.Cancel, nil),
				Style:   c.Style,
			}
		}
		for _, cond := range action.Conditions {
			desc.Conditions = append(desc.Conditions, model.ConditionDescriptor{
				Field:    cond.Field,
				Operator: cond.Operator,
				Value:    cond.Value,
				Effect:   cond.Effect,
			})
		}
		result = append(result, desc)
	}
	return result
}

// Permitted reports whether caps grants every capability action requires.
func Permitted(caps model.CapabilitySet, action model.ActionDefinition) bool {
	return len(action.Capabilities) == 0 || caps.HasAll(action.Capabilities...)
}

// Available reports whether action is visible and enabled for row once its
// conditions are evaluated against the row values.
func Available(action model.ActionDefinition, row model.Row) bool {
	for _, cond := range action.Conditions {
		met := evaluate(cond, row.Values)
		switch cond.Effect {
		case EffectHide, EffectDisable:
			if met {
				return false
			}
		case EffectShow, EffectEnable:
			if !met {
				return false
			}
		}
	}
	return true
}

func evaluate(cond model.ConditionDefinition, data map[string]any) bool {
	fieldVal, exists := data[cond.Field]

	switch cond.Operator {
	case "eq", "equals", "==":
		return exists && fmt.Sprint(fieldVal) == fmt.Sprint(cond.Value)
	case "neq", "not_equals", "!=":
		return !exists || fmt.Sprint(fieldVal) != fmt.Sprint(cond.Value)
	case "in":
		return exists && inList(fieldVal, cond.Value)
	case "not_in":
		return !exists || !inList(fieldVal, cond.Value)
	case "exists":
		return exists && fieldVal != nil
	case "not_exists":
		return !exists || fieldVal == nil
	default:
		return false
	}
}

// inList matches fieldVal against a slice or a comma-separated string.
func inList(fieldVal, list any) bool {
	s := fmt.Sprint(fieldVal)
	switch cv := list.(type) {
	case []any:
		for _, v := range cv {
			if fmt.Sprint(v) == s {
				return true
			}
		}
	case []string:
		for _, v := range cv {
			if v == s {
				return true
			}
		}
	case string:
		for _, v := range strings.Split(cv, ",") {
			if strings.TrimSpace(v) == s {
				return true
			}
		}
	}
	return false
}
