package vitalsync

import "github.com/vitalsync/vitalsync/entity"

// DefaultFallbackData is the built-in sample data served when a read path has
// no cache, no connectivity, or hit a corrupt collection. The client always
// has something to render.
func DefaultFallbackData() map[string][]entity.Entity {
	return map[string][]entity.Entity{
		"supplements": {
			{
				Collection: "supplements",
				ID:         "demo_supplement_1",
				Fields: map[string]any{
					"name": "Vitamin D",
					"dose": float64(1),
					"unit": "tablet",
				},
			},
			{
				Collection: "supplements",
				ID:         "demo_supplement_2",
				Fields: map[string]any{
					"name": "Magnesium",
					"dose": float64(200),
					"unit": "mg",
				},
			},
		},
		"nutritionEntries": {
			{
				Collection: "nutritionEntries",
				ID:         "demo_nutrition_1",
				Fields: map[string]any{
					"food":     "Oatmeal",
					"calories": float64(150),
					"meal":     "breakfast",
				},
			},
		},
	}
}

func cloneEntities(entities []entity.Entity) []entity.Entity {
	out := make([]entity.Entity, len(entities))
	for i, e := range entities {
		out[i] = e.Clone()
	}
	return out
}
