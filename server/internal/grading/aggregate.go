package grading

import (
	"fmt"

	"hanchat/server/internal/model"
)

// Graded 返回带评分的用户消息，保持原有顺序。
func Graded(messages []model.Message) []model.Message {
	var out []model.Message
	for _, m := range messages {
		if m.Role == model.RoleUser && m.Meta.Grading != nil {
			out = append(out, m)
		}
	}
	return out
}

// Averages 计算已评分用户消息在各维度上的平均分（保留一位小数）。
// 没有任何评分时返回 nil 而不是 0：0 分意味着"评过且很差"，而不是"还没评"。
func Averages(messages []model.Message) model.AverageScores {
	graded := Graded(messages)
	if len(graded) == 0 {
		return nil
	}

	out := make(model.AverageScores, len(model.RubricDimensions))
	for _, dim := range model.RubricDimensions {
		sum := 0
		for _, m := range graded {
			sum += m.Meta.Grading.Score(dim)
		}
		out[dim] = fmt.Sprintf("%.1f", float64(sum)/float64(len(graded)))
	}
	return out
}
