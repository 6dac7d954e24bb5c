package grading

import (
	"testing"

	"hanchat/server/internal/model"
)

func graded(id int, n, g, c int) model.Message {
	return model.Message{
		ID:   id,
		Role: model.RoleUser,
		Meta: model.MessageMeta{Grading: &model.GradingResult{
			Scores: map[string]int{"naturalness": n, "grammar": g, "complexity": c},
		}},
	}
}

// TestAveragesNilWhenNothingGraded 验证没有评分时返回 nil。
// 场景：只有未评分的用户消息与助手消息，期望 nil 而不是全 0。
func TestAveragesNilWhenNothingGraded(t *testing.T) {
	msgs := []model.Message{
		{ID: 1, Role: model.RoleUser, Meta: model.MessageMeta{GradingLoading: true}},
		{ID: 2, Role: model.RoleAssistant, Text: "你好"},
	}
	if got := Averages(msgs); got != nil {
		t.Fatalf("expected nil averages, got %v", got)
	}
	if got := Averages(nil); got != nil {
		t.Fatalf("expected nil averages for empty transcript, got %v", got)
	}
}

// TestAveragesFormatsOneDecimal 验证平均分按一位小数格式化。
// 场景：两条评分消息，分别为 (4,3,2) 与 (3,3,1)，助手消息即使带了评分也不计入。
func TestAveragesFormatsOneDecimal(t *testing.T) {
	assistant := graded(3, 0, 0, 0)
	assistant.Role = model.RoleAssistant

	got := Averages([]model.Message{graded(1, 4, 3, 2), graded(2, 3, 3, 1), assistant})
	want := model.AverageScores{"naturalness": "3.5", "grammar": "3.0", "complexity": "1.5"}
	for dim, v := range want {
		if got[dim] != v {
			t.Fatalf("dimension %s: expected %s, got %s", dim, v, got[dim])
		}
	}
}

// TestAveragesMissingDimensionCountsAsZero 验证缺失维度按 0 计入。
func TestAveragesMissingDimensionCountsAsZero(t *testing.T) {
	partial := model.Message{
		ID:   1,
		Role: model.RoleUser,
		Meta: model.MessageMeta{Grading: &model.GradingResult{Scores: map[string]int{"grammar": 4}}},
	}
	got := Averages([]model.Message{partial, graded(2, 2, 2, 2)})
	if got["naturalness"] != "1.0" || got["grammar"] != "3.0" {
		t.Fatalf("unexpected averages: %v", got)
	}
}
