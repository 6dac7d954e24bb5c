package tutor

import "hanchat/server/internal/llm"

var tokenizationSchema = &llm.JSONSchema{
	Name:   "chinese_tokenization",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tokens": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"word":        map[string]any{"type": "string"},
						"pinyin":      map[string]any{"type": "string"},
						"translation": map[string]any{"type": "string"},
					},
					"required":             []string{"word", "pinyin", "translation"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"tokens"},
		"additionalProperties": false,
	},
}

var gradingSchema = &llm.JSONSchema{
	Name:   "message_grading",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"naturalness":       map[string]any{"type": "integer", "minimum": 0, "maximum": 5},
			"grammar":           map[string]any{"type": "integer", "minimum": 0, "maximum": 5},
			"complexity":        map[string]any{"type": "integer", "minimum": 0, "maximum": 5},
			"feedback":          map[string]any{"type": "string"},
			"improved_sentence": map[string]any{"type": "string"},
		},
		"required":             []string{"naturalness", "grammar", "complexity", "feedback", "improved_sentence"},
		"additionalProperties": false,
	},
}

var verificationSchema = &llm.JSONSchema{
	Name:   "goal_verification",
	Strict: true,
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"success":       map[string]any{"type": "boolean"},
			"justification": map[string]any{"type": "string"},
		},
		"required":             []string{"success", "justification"},
		"additionalProperties": false,
	},
}
