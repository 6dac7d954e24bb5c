package orchestrator

import (
	"fmt"
	"strings"
)

// openingPrompt 让回复服务主动开启对话；它只作为请求历史发送，不写入会话记录。
func openingPrompt(topic, level string, practiceWords []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "请用纯中文开始一段对话。主题: %s。适应学生水平: %s。", topic, level)
	if len(practiceWords) > 0 {
		fmt.Fprintf(&b, "尽量使用以下词汇（如果合适）: %s。", strings.Join(practiceWords, "、"))
	}
	return b.String()
}

// ParsePracticeWords 按空白、逗号、分号切分练习词，丢弃空项。
func ParsePracticeWords(input string) []string {
	words := strings.FieldsFunc(input, func(r rune) bool {
		switch r {
		case ',', ';', '，', '；', '、':
			return true
		}
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '　'
	})
	if len(words) == 0 {
		return nil
	}
	return words
}
