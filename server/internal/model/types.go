package model

import "time"

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Phase 表示会话所处的阶段：idle → scene-loaded → conversing → scene-verified。
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseSceneLoaded   Phase = "scene-loaded"
	PhaseConversing    Phase = "conversing"
	PhaseSceneVerified Phase = "scene-verified"
)

// RubricDimensions 是评分维度的固定顺序，聚合与校验都以它为准。
var RubricDimensions = []string{"naturalness", "grammar", "complexity"}

// MaxRubricScore 评分上限（0-5）。
const MaxRubricScore = 5

// Token 是分词服务返回的最小单元，按原文顺序排列，产生后不可变。
type Token struct {
	Word        string `json:"word"`
	Pinyin      string `json:"pinyin"`
	Translation string `json:"translation"`
}

// RenderToken 是对齐后的渲染单元。
// 约定：同一片段内所有 Word 拼接起来必须与片段原文完全一致。
type RenderToken struct {
	Word         string `json:"word"`
	Translatable bool   `json:"translatable"`
	Pinyin       string `json:"pinyin,omitempty"`
	Translation  string `json:"translation,omitempty"`
}

// GradingResult 是对一条用户消息的评分。
type GradingResult struct {
	// Scores 维度名 -> 分数（0-5）。
	Scores           map[string]int `json:"scores"`
	Feedback         string         `json:"feedback"`
	ImprovedSentence string         `json:"improved_sentence"`
}

// Score 返回某个维度的分数，缺失时为 0。
func (g *GradingResult) Score(dimension string) int {
	if g == nil || g.Scores == nil {
		return 0
	}
	return g.Scores[dimension]
}

// MessageMeta 承载消息上的可选信息。
type MessageMeta struct {
	Tokens         []RenderToken  `json:"tokens,omitempty"`
	Kind           SegmentKind    `json:"kind,omitempty"`
	Grading        *GradingResult `json:"grading,omitempty"`
	GradingLoading bool           `json:"grading_loading,omitempty"`
}

// Message 是会话记录中的一条消息。
// 只由编排器创建；创建后只允许补写 Grading/GradingLoading。
type Message struct {
	ID   int         `json:"id"`
	Role Role        `json:"role"`
	Text string      `json:"text"`
	Meta MessageMeta `json:"meta"`
	TS   time.Time   `json:"ts"`
}

// Clone 深拷贝一条消息，避免快照与内部状态共享切片/指针。
func (m Message) Clone() Message {
	out := m
	if m.Meta.Tokens != nil {
		out.Meta.Tokens = append([]RenderToken(nil), m.Meta.Tokens...)
	}
	if m.Meta.Grading != nil {
		g := *m.Meta.Grading
		if g.Scores != nil {
			g.Scores = make(map[string]int, len(m.Meta.Grading.Scores))
			for k, v := range m.Meta.Grading.Scores {
				g.Scores[k] = v
			}
		}
		out.Meta.Grading = &g
	}
	return out
}

// HistoryText 返回送入回复生成服务的文本；动作片段还原为全角括号包裹的形式。
func (m Message) HistoryText() string {
	if m.Meta.Kind == SegmentAction {
		return "（" + m.Text + "）"
	}
	return m.Text
}

// Scene 角色扮演情景，选定后在会话内只读。
type Scene struct {
	Name             string `json:"name" yaml:"name"`
	Title            string `json:"title" yaml:"title"`
	Task             string `json:"task" yaml:"task"`
	SystemPrompt     string `json:"system_prompt" yaml:"system_prompt"`
	VerificationGoal string `json:"verification_goal" yaml:"verification_goal"`
}

// VerificationResult 情景目标核验结果。
type VerificationResult struct {
	Success       bool   `json:"success"`
	Justification string `json:"justification"`
}

// AverageScores 维度名 -> 保留一位小数的平均分；nil 表示尚无评分。
type AverageScores map[string]string

// SessionState 是会话状态的只读快照。
type SessionState struct {
	SessionID         string              `json:"session_id"`
	Level             string              `json:"level"`
	Topic             string              `json:"topic"`
	PracticeWords     []string            `json:"practice_words"`
	Scene             *Scene              `json:"scene"`
	Phase             Phase               `json:"phase"`
	Messages          []Message           `json:"messages"`
	NextID            int                 `json:"next_id"`
	Verification      *VerificationResult `json:"verification"`
	AssistantLoading  bool                `json:"assistant_loading"`
	VerifyLoading     bool                `json:"verify_loading"`
	InterestingWords  []Token             `json:"interesting_words"`
	SelectedMessageID int                 `json:"selected_message_id,omitempty"`
	Averages          AverageScores       `json:"averages"`
}

// IsBusy 是否有前台请求在进行中。
func (s SessionState) IsBusy() bool {
	return s.AssistantLoading || s.VerifyLoading
}

// Event 表示时间线中的一个事件。
type Event struct {
	// Seq 由时间线分配的单调序号，用于回放。
	Seq       int64  `json:"seq,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// Type: user_message/assistant_message/grading/scene_loaded/verification/reset/settings
	Type         string              `json:"type"`
	Message      *Message            `json:"message,omitempty"`
	Scene        *Scene              `json:"scene,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	ServerTS     time.Time           `json:"server_ts,omitempty"`
}

const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventGrading          = "grading"
	EventSceneLoaded      = "scene_loaded"
	EventVerification     = "verification"
	EventReset            = "reset"
	EventSettings         = "settings"
)
