package model

// SegmentKind 片段类型：台词或动作描写。
type SegmentKind string

const (
	SegmentSpeech SegmentKind = "speech"
	SegmentAction SegmentKind = "action"
)

// Segment 是一条助手回复中类型一致的连续子串，去掉前导空白后不为空。
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text"`
}
