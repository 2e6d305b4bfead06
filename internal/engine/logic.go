package engine

import (
	"encoding/json"

	"github.com/davrud/nodeflow/pkg/schema"
)

// applyLogic transforms a value as it crosses a connection. Unknown or empty
// logic tags behave as passthrough.
func applyLogic(c schema.Connection, value any) any {
	switch c.Logic {
	case schema.LogicList:
		if list, ok := value.([]any); ok {
			return list
		}
		return []any{value}

	case schema.LogicUnique:
		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}
		out := make([]any, 0, len(items))
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			key := stringify(item)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, item)
		}
		return out

	case schema.LogicConcat:
		delim := "\n"
		var cfg struct {
			Delimiter *string `json:"delimiter"`
		}
		if len(c.Config) > 0 {
			if err := json.Unmarshal(c.Config, &cfg); err == nil && cfg.Delimiter != nil {
				delim = *cfg.Delimiter
			}
		}
		items, ok := value.([]any)
		if !ok {
			return stringify(value)
		}
		joined := ""
		for _, item := range items {
			if item == nil {
				continue
			}
			if joined != "" {
				joined += delim
			}
			joined += stringify(item)
		}
		return joined

	case schema.LogicSwitch:
		enabled := true
		var cfg struct {
			Enabled *bool `json:"enabled"`
		}
		if len(c.Config) > 0 {
			if err := json.Unmarshal(c.Config, &cfg); err == nil && cfg.Enabled != nil {
				enabled = *cfg.Enabled
			}
		}
		if !enabled {
			return nil
		}
		return value

	default:
		return value
	}
}
