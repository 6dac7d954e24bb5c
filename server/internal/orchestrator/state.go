package orchestrator

import (
	"time"

	"hanchat/server/internal/grading"
	"hanchat/server/internal/model"
)

// state 是会话的可变记录，只在 mailbox 协程中读写。
type state struct {
	level         string
	topic         string
	practiceWords []string
	scene         *model.Scene
	messages      []model.Message
	nextID        int

	verification     *model.VerificationResult
	assistantLoading bool
	verifyLoading    bool

	interesting []model.Token
	selectedID  int

	// epoch 每次 Reset 加一，用于识别过期的后台结果。
	epoch uint64
}

func newState(d Defaults) *state {
	return &state{level: d.Level, topic: d.Topic, nextID: 1}
}

// reset 恢复初始状态；epoch 单调递增，不回到 0。
func (st *state) reset(d Defaults) {
	epoch := st.epoch + 1
	*st = *newState(d)
	st.epoch = epoch
}

func (st *state) appendMessage(role model.Role, text string, meta model.MessageMeta, ts time.Time) model.Message {
	msg := model.Message{ID: st.nextID, Role: role, Text: text, Meta: meta, TS: ts}
	st.nextID++
	st.messages = append(st.messages, msg)
	return msg
}

func (st *state) find(id int) *model.Message {
	for i := range st.messages {
		if st.messages[i].ID == id {
			return &st.messages[i]
		}
	}
	return nil
}

// applyGrading 把评分结果补写到对应消息。epoch 不匹配或消息已不存在时返回 false。
func (st *state) applyGrading(epoch uint64, id int, result *model.GradingResult) (model.Message, bool) {
	if epoch != st.epoch {
		return model.Message{}, false
	}
	msg := st.find(id)
	if msg == nil {
		return model.Message{}, false
	}
	msg.Meta.GradingLoading = false
	if result != nil {
		msg.Meta.Grading = result
		st.selectedID = id
	}
	return msg.Clone(), true
}

// toggleInteresting 按 Word 去重；返回 true 表示加入，false 表示移除。
func (st *state) toggleInteresting(tok model.Token) bool {
	for i, t := range st.interesting {
		if t.Word == tok.Word {
			st.interesting = append(st.interesting[:i:i], st.interesting[i+1:]...)
			return false
		}
	}
	st.interesting = append(st.interesting, tok)
	return true
}

func (st *state) phase() model.Phase {
	switch {
	case st.verification != nil:
		return model.PhaseSceneVerified
	case len(st.messages) > 0:
		return model.PhaseConversing
	case st.scene != nil:
		return model.PhaseSceneLoaded
	default:
		return model.PhaseIdle
	}
}

func (st *state) history() []model.Turn {
	turns := make([]model.Turn, 0, len(st.messages))
	for _, m := range st.messages {
		turns = append(turns, model.Turn{Role: m.Role, Text: m.HistoryText()})
	}
	return turns
}

func (st *state) systemPrompt() string {
	if st.scene == nil {
		return ""
	}
	return st.scene.SystemPrompt
}

func (st *state) snapshot(sessionID string) model.SessionState {
	out := model.SessionState{
		SessionID:         sessionID,
		Level:             st.level,
		Topic:             st.topic,
		PracticeWords:     append([]string(nil), st.practiceWords...),
		Phase:             st.phase(),
		Messages:          make([]model.Message, 0, len(st.messages)),
		NextID:            st.nextID,
		AssistantLoading:  st.assistantLoading,
		VerifyLoading:     st.verifyLoading,
		InterestingWords:  append([]model.Token(nil), st.interesting...),
		SelectedMessageID: st.selectedID,
		Averages:          grading.Averages(st.messages),
	}
	if st.scene != nil {
		sc := *st.scene
		out.Scene = &sc
	}
	if st.verification != nil {
		v := *st.verification
		out.Verification = &v
	}
	for _, m := range st.messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	return out
}
