// Package transcript 把一条助手回复切分成台词/动作片段，并把外部分词结果逐字对齐回原文。
package transcript

import (
	"strings"
	"unicode"

	"hanchat/server/internal/model"
)

// Split 按括号把 text 切成有序的台词/动作片段。
//
// 规则：
// - 初始片段为台词（speech）。
// - 遇到 "(" 或 "（" 结束当前片段，开启动作（action）片段；遇到 ")" 或 "）" 结束当前片段，开启台词片段。
// - 括号本身只作分隔符，不进入片段文本。
// - 每个片段去掉前导空白，空片段丢弃。
// 不支持嵌套：在同类片段内再次遇到同向括号，只是开启一个新的同类片段。
func Split(text string) []model.Segment {
	var (
		out     []model.Segment
		kind    = model.SegmentSpeech
		current strings.Builder
	)

	flush := func(next model.SegmentKind) {
		if seg := strings.TrimLeftFunc(current.String(), unicode.IsSpace); seg != "" {
			out = append(out, model.Segment{Kind: kind, Text: seg})
		}
		current.Reset()
		kind = next
	}

	for _, r := range text {
		switch r {
		case '(', '（':
			flush(model.SegmentAction)
		case ')', '）':
			flush(model.SegmentSpeech)
		default:
			current.WriteRune(r)
		}
	}
	flush(model.SegmentSpeech)

	return out
}
