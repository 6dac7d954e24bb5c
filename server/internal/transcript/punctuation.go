package transcript

// punctuation 是对齐时一律按不可翻译处理的标点集合（全角 + 半角，含括号与引号）。
const punctuation = "，。！？；：、…—～·“”‘’「」『』《》〈〉【】（）" +
	",.!?;:'\"()[]<>-~"

var punctuationSet = func() map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range punctuation {
		set[r] = struct{}{}
	}
	return set
}()

// IsPunctuation 判断 r 是否属于标点集合。
func IsPunctuation(r rune) bool {
	_, ok := punctuationSet[r]
	return ok
}

// isPunctuationWord 判断 word 是否恰好是一个标点字符。
func isPunctuationWord(word []rune) bool {
	return len(word) == 1 && IsPunctuation(word[0])
}
