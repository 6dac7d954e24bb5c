package transcript

import (
	"slices"

	"hanchat/server/internal/model"
)

// AlignStats 记录一次对齐中各分支命中的次数，用于观测分词漂移情况。
type AlignStats struct {
	Punctuation int
	Exact       int
	Drift       int
	Fallback    int
}

// Align 把独立分词得到的 tokens 对齐回 text，返回逐字准确的渲染单元。
//
// 分词服务的词边界不可信（空白处理、切分不同、重复词）。对齐过程保证：
// 不跳过、不重复任何原文字符；对不上时退化为不可翻译的单字，而不是报错。
func Align(text string, tokens []model.Token) []model.RenderToken {
	out, _ := AlignWithStats(text, tokens)
	return out
}

// AlignWithStats 同 Align，并返回各分支的命中统计。
//
// 单遍扫描 text，tokens 视为只能从头消费的队列，前瞻深度固定为 2：
//  1. 标点：当前候选恰为一个标点字符，输出为不可翻译；队首词与之相等则消费，
//     以它开头（分词把标点粘在词上）则只剥掉队首词的首字符。
//  2. 精确匹配：候选等于队首词，消费并输出为可翻译。
//  3. 漂移恢复：按第二个词长度取的候选等于第二个词，丢弃队首、消费第二个词。
//  4. 兜底：原样输出当前单字，不消费任何词。
//
// 连续 3 个及以上的多余词不做恢复。
func AlignWithStats(text string, tokens []model.Token) ([]model.RenderToken, AlignStats) {
	src := []rune(text)
	q := newQueue(tokens)

	var (
		out   []model.RenderToken
		stats AlignStats
	)

	for i := 0; i < len(src); {
		first, hasFirst := q.at(0)
		second, hasSecond := q.at(1)

		cand1 := window(src, i, wordLen(first, hasFirst))
		cand2 := window(src, i, wordLen(second, hasSecond))

		switch {
		case isPunctuationWord(cand1):
			out = append(out, model.RenderToken{Word: string(cand1)})
			if hasFirst {
				if slices.Equal(first.word, cand1) {
					q.pop()
				} else if first.word[0] == cand1[0] {
					q.stripHead()
				}
			}
			stats.Punctuation++
			i++

		case hasFirst && slices.Equal(cand1, first.word):
			q.pop()
			out = append(out, render(first))
			stats.Exact++
			i += len(first.word)

		case hasSecond && slices.Equal(cand2, second.word):
			q.pop()
			q.pop()
			out = append(out, render(second))
			stats.Drift++
			i += len(second.word)

		default:
			out = append(out, model.RenderToken{Word: string(src[i])})
			stats.Fallback++
			i++
		}
	}

	return out, stats
}

// render 把匹配上的词转成渲染单元；单个标点即使来自分词结果也不可翻译。
func render(t queuedToken) model.RenderToken {
	if isPunctuationWord(t.word) {
		return model.RenderToken{Word: string(t.word)}
	}
	return model.RenderToken{
		Word:         string(t.word),
		Translatable: true,
		Pinyin:       t.pinyin,
		Translation:  t.translation,
	}
}

func wordLen(t queuedToken, ok bool) int {
	if !ok {
		return 1
	}
	return len(t.word)
}

// window 返回 src[i:i+n]，越界时截断到末尾。
func window(src []rune, i, n int) []rune {
	end := i + n
	if end > len(src) {
		end = len(src)
	}
	return src[i:end]
}

type queuedToken struct {
	word        []rune
	pinyin      string
	translation string
}

// tokenQueue 是 tokens 的私有副本，调用方的切片不会被修改。
type tokenQueue struct {
	items []queuedToken
}

func newQueue(tokens []model.Token) *tokenQueue {
	q := &tokenQueue{items: make([]queuedToken, 0, len(tokens))}
	for _, t := range tokens {
		if t.Word == "" {
			continue
		}
		q.items = append(q.items, queuedToken{
			word:        []rune(t.Word),
			pinyin:      t.Pinyin,
			translation: t.Translation,
		})
	}
	return q
}

func (q *tokenQueue) at(n int) (queuedToken, bool) {
	if n >= len(q.items) {
		return queuedToken{}, false
	}
	return q.items[n], true
}

func (q *tokenQueue) pop() {
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

// stripHead 去掉队首词的第一个字符；剥空后整个词出队。
func (q *tokenQueue) stripHead() {
	if len(q.items) == 0 {
		return
	}
	q.items[0].word = q.items[0].word[1:]
	if len(q.items[0].word) == 0 {
		q.pop()
	}
}
