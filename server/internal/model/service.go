package model

// Turn 是送入外部服务的一轮对话。
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ReplyRequest 回复生成请求。
type ReplyRequest struct {
	SystemPrompt string
	History      []Turn
	Level        string
}

// GradeRequest 评分请求。
type GradeRequest struct {
	Message string
	Level   string
	Topic   string
}

// VerifyRequest 情景目标核验请求。
type VerifyRequest struct {
	History []Turn
	Goal    string
}
