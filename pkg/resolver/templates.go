package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// expandTemplates walks layers breadth-first, inserting each referenced
// template directly after the layer that named it. A template name is
// expanded at most once per run; re-expanding an already-expanded list
// leaves the merged result unchanged.
func expandTemplates(layers []map[string]any, templatesDir string) ([]map[string]any, error) {
	expanded := make(map[string]bool)
	queue := append([]map[string]any{}, layers...)
	result := make([]map[string]any, 0, len(layers))

	for i := 0; i < len(queue); i++ {
		cur := queue[i]
		result = append(result, cur)

		names, _ := cur["templates"].([]any)
		if len(names) == 0 {
			continue
		}

		var toInsert []map[string]any
		for _, n := range names {
			name, ok := n.(string)
			if !ok || expanded[name] {
				continue
			}
			expanded[name] = true

			tpl, err := loadTemplate(templatesDir, name)
			if err != nil {
				return nil, err
			}
			toInsert = append(toInsert, tpl)
		}
		if len(toInsert) == 0 {
			continue
		}

		rest := append([]map[string]any{}, queue[i+1:]...)
		queue = append(queue[:i+1], toInsert...)
		queue = append(queue, rest...)
	}

	return result, nil
}

func loadTemplate(templatesDir, name string) (map[string]any, error) {
	path := filepath.Join(templatesDir, name+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return nil, fmt.Errorf("resolver: reading template %s: %w", name, err)
	}

	var tpl map[string]any
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, fmt.Errorf("resolver: parsing template %s: %w", name, err)
	}
	return tpl, nil
}
