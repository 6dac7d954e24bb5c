// Package tutor 在 LLM 客户端之上实现分词、回复生成、评分与情景核验四个服务，
// 并在服务边界上校验与规整返回结构。
package tutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"hanchat/server/internal/config"
	"hanchat/server/internal/llm"
	"hanchat/server/internal/logging"
	"hanchat/server/internal/model"
)

// ErrMalformed 服务返回了无法解析的结构。
var ErrMalformed = errors.New("malformed response")

// UnparseableJustification 是核验结果无法解析时的固定说明。
const UnparseableJustification = "<unparseable>"

// Clients 按任务区分的 LLM 客户端。
type Clients struct {
	Reply        llm.Client
	Tokenization llm.Client
	Grading      llm.Client
	Verification llm.Client
}

// Service 实现编排器依赖的四个外部服务。
type Service struct {
	clients Clients
	log     *logrus.Entry
}

// New 创建服务；未设置的客户端回落到 Reply 客户端。
func New(clients Clients, log *logrus.Entry) *Service {
	if clients.Tokenization == nil {
		clients.Tokenization = clients.Reply
	}
	if clients.Grading == nil {
		clients.Grading = clients.Reply
	}
	if clients.Verification == nil {
		clients.Verification = clients.Reply
	}
	if log == nil {
		log = logging.Component(nil, "tutor")
	}
	return &Service{clients: clients, log: log}
}

// NewFromConfig 按配置为每个任务创建客户端。
func NewFromConfig(cfg config.LLMConfig, log *logrus.Entry) (*Service, error) {
	var clients Clients
	for task, dst := range map[string]*llm.Client{
		"reply":        &clients.Reply,
		"tokenization": &clients.Tokenization,
		"grading":      &clients.Grading,
		"verification": &clients.Verification,
	} {
		c, err := llm.NewClient(cfg, cfg.ModelFor(task))
		if err != nil {
			return nil, fmt.Errorf("%s client: %w", task, err)
		}
		*dst = c
	}
	return New(clients, log), nil
}

// Tokenize 把 text 切分成带拼音与翻译的词。空词在这里丢弃。
func (s *Service) Tokenize(ctx context.Context, text string) ([]model.Token, error) {
	content, err := s.clients.Tokenization.Complete(ctx, []llm.Message{
		{Role: "system", Content: tokenizationSystemPrompt},
		{Role: "user", Content: tokenizationUserPrompt(text)},
	}, tokenizationSchema)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	var result struct {
		Tokens []model.Token `json:"tokens"`
	}
	if err := decodeJSON(content, &result); err != nil {
		return nil, fmt.Errorf("tokenize: %w: %v", ErrMalformed, err)
	}

	tokens := make([]model.Token, 0, len(result.Tokens))
	for _, t := range result.Tokens {
		if t.Word == "" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// GenerateReply 生成助手回复原文。没有情景时使用按水平定制的默认人设。
func (s *Service) GenerateReply(ctx context.Context, req model.ReplyRequest) (string, error) {
	system := req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultReplyPrompt(req.Level)
	}

	messages := make([]llm.Message, 0, len(req.History)+1)
	messages = append(messages, llm.Message{Role: "system", Content: system})
	for _, t := range req.History {
		messages = append(messages, llm.Message{Role: string(t.Role), Content: t.Text})
	}

	content, err := s.clients.Reply.Complete(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}
	return strings.TrimSpace(content), nil
}

// Grade 对一条用户消息评分。
// 返回 (nil, nil) 表示可恢复的失败（结构无法解析），调用方不应视为错误。
func (s *Service) Grade(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error) {
	content, err := s.clients.Grading.Complete(ctx, []llm.Message{
		{Role: "system", Content: gradingSystemPrompt},
		{Role: "user", Content: gradingUserPrompt(req)},
	}, gradingSchema)
	if err != nil {
		return nil, fmt.Errorf("grade: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := decodeJSON(content, &raw); err != nil {
		s.log.WithError(err).Warn("[Tutor] grading response is not valid JSON")
		return nil, nil
	}

	result := &model.GradingResult{Scores: make(map[string]int, len(model.RubricDimensions))}
	for _, dim := range model.RubricDimensions {
		var score float64
		if v, ok := raw[dim]; ok {
			if err := json.Unmarshal(v, &score); err != nil {
				s.log.WithField("dimension", dim).Warn("[Tutor] grading score is not a number")
				return nil, nil
			}
		}
		result.Scores[dim] = clampScore(score)
	}
	for field, dst := range map[string]*string{
		"feedback":          &result.Feedback,
		"improved_sentence": &result.ImprovedSentence,
	} {
		if err := unmarshalString(raw[field], dst); err != nil {
			// 分数仍然有效，只丢弃这一项文本。
			s.log.WithField("field", field).Warn("[Tutor] grading text field is not a string")
		}
	}

	return result, nil
}

// VerifyGoal 核验对话是否达成情景目标。
// 传输错误向上返回；结构无法解析时返回固定的失败结果而不是错误。
func (s *Service) VerifyGoal(ctx context.Context, req model.VerifyRequest) (model.VerificationResult, error) {
	content, err := s.clients.Verification.Complete(ctx, []llm.Message{
		{Role: "system", Content: verificationSystemPrompt},
		{Role: "user", Content: verificationUserPrompt(req)},
	}, verificationSchema)
	if err != nil {
		return model.VerificationResult{}, fmt.Errorf("verify goal: %w", err)
	}

	var result struct {
		Success       *bool   `json:"success"`
		Justification *string `json:"justification"`
	}
	if err := decodeJSON(content, &result); err != nil || result.Success == nil {
		s.log.WithField("content", truncate(content, 200)).Warn("[Tutor] verification response unparseable")
		return model.VerificationResult{Success: false, Justification: UnparseableJustification}, nil
	}

	out := model.VerificationResult{Success: *result.Success}
	if result.Justification != nil {
		out.Justification = *result.Justification
	}
	return out, nil
}

// decodeJSON 解析模型输出，容忍 ```json 代码块包裹。
func decodeJSON(content string, v any) error {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	return json.Unmarshal([]byte(content), v)
}

func unmarshalString(raw json.RawMessage, dst *string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func clampScore(v float64) int {
	switch {
	case v < 0:
		return 0
	case v > model.MaxRubricScore:
		return model.MaxRubricScore
	default:
		return int(v + 0.5)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
