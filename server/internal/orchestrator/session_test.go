package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hanchat/server/internal/domain"
	"hanchat/server/internal/model"
	"hanchat/server/internal/timeline"
)

// fakeServices 默认整段文本作为一个词返回、评分全 3 分、核验成功。
type fakeServices struct {
	replyFn    func(ctx context.Context, req model.ReplyRequest) (string, error)
	tokenizeFn func(ctx context.Context, text string) ([]model.Token, error)
	gradeFn    func(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error)
	verifyFn   func(ctx context.Context, req model.VerifyRequest) (model.VerificationResult, error)

	mu          sync.Mutex
	replyReqs   []model.ReplyRequest
	verifyCalls atomic.Int32
}

func (f *fakeServices) GenerateReply(ctx context.Context, req model.ReplyRequest) (string, error) {
	f.mu.Lock()
	f.replyReqs = append(f.replyReqs, req)
	f.mu.Unlock()
	if f.replyFn != nil {
		return f.replyFn(ctx, req)
	}
	return "好的。", nil
}

func (f *fakeServices) Tokenize(ctx context.Context, text string) ([]model.Token, error) {
	if f.tokenizeFn != nil {
		return f.tokenizeFn(ctx, text)
	}
	return []model.Token{{Word: text, Pinyin: "py", Translation: "tr"}}, nil
}

func (f *fakeServices) Grade(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error) {
	if f.gradeFn != nil {
		return f.gradeFn(ctx, req)
	}
	return scores(3, 3, 3), nil
}

func (f *fakeServices) VerifyGoal(ctx context.Context, req model.VerifyRequest) (model.VerificationResult, error) {
	f.verifyCalls.Add(1)
	if f.verifyFn != nil {
		return f.verifyFn(ctx, req)
	}
	return model.VerificationResult{Success: true, Justification: "拿到了咖啡"}, nil
}

func (f *fakeServices) lastReply() model.ReplyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyReqs[len(f.replyReqs)-1]
}

func scores(n, g, c int) *model.GradingResult {
	return &model.GradingResult{Scores: map[string]int{"naturalness": n, "grammar": g, "complexity": c}}
}

func newTestSession(t *testing.T, svc *fakeServices, opts ...Option) *Session {
	t.Helper()
	s := NewSession("s-1", svc, domain.DefaultCatalog(), opts...)
	t.Cleanup(func() {
		s.WaitBackground()
		s.Close()
	})
	return s
}

func snapshot(t *testing.T, s *Session) model.SessionState {
	t.Helper()
	st, err := s.Snapshot()
	require.NoError(t, err)
	return st
}

func TestSendMessageAppendsUserAndSegments(t *testing.T) {
	svc := &fakeServices{replyFn: func(context.Context, model.ReplyRequest) (string, error) {
		return "你好！（笑）再见", nil
	}}
	s := newTestSession(t, svc)

	out, err := s.SendMessage(context.Background(), "  我要一杯咖啡  ")
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "你好！", out[0].Text)
	assert.Equal(t, model.SegmentSpeech, out[0].Meta.Kind)
	assert.Equal(t, "笑", out[1].Text)
	assert.Equal(t, model.SegmentAction, out[1].Meta.Kind)
	assert.Equal(t, "再见", out[2].Text)
	for i, m := range out {
		assert.Equal(t, i+2, m.ID)
		assert.Equal(t, model.RoleAssistant, m.Role)
		require.Len(t, m.Meta.Tokens, 1)
		assert.True(t, m.Meta.Tokens[0].Translatable)
	}

	s.WaitBackground()
	st := snapshot(t, s)
	require.Len(t, st.Messages, 4)
	assert.Equal(t, "我要一杯咖啡", st.Messages[0].Text)
	assert.Equal(t, model.RoleUser, st.Messages[0].Role)
	assert.Equal(t, 5, st.NextID)
	assert.False(t, st.AssistantLoading)
	assert.Equal(t, model.PhaseConversing, st.Phase)
}

func TestSendMessageBlankIsNoop(t *testing.T) {
	svc := &fakeServices{}
	s := newTestSession(t, svc)

	out, err := s.SendMessage(context.Background(), " \n\t ")
	require.NoError(t, err)
	assert.Nil(t, out)

	st := snapshot(t, s)
	assert.Empty(t, st.Messages)
	assert.Equal(t, 1, st.NextID)
	assert.Empty(t, svc.replyReqs)
}

func TestSegmentsKeepOrderWhenTokenizationFinishesOutOfOrder(t *testing.T) {
	secondDone := make(chan struct{})
	svc := &fakeServices{
		replyFn: func(context.Context, model.ReplyRequest) (string, error) {
			return "第一句（动作）", nil
		},
		tokenizeFn: func(_ context.Context, text string) ([]model.Token, error) {
			if text == "第一句" {
				<-secondDone
			} else {
				close(secondDone)
			}
			return []model.Token{{Word: text}}, nil
		},
	}
	s := newTestSession(t, svc)

	out, err := s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "第一句", out[0].Text)
	assert.Equal(t, "动作", out[1].Text)
	assert.Less(t, out[0].ID, out[1].ID)
}

func TestGradingPatchesUserMessage(t *testing.T) {
	svc := &fakeServices{gradeFn: func(_ context.Context, req model.GradeRequest) (*model.GradingResult, error) {
		assert.Equal(t, "我要咖啡", req.Message)
		assert.Equal(t, "A1", req.Level)
		r := scores(4, 3, 2)
		r.Feedback = "不错"
		return r, nil
	}}
	s := newTestSession(t, svc)

	_, err := s.SendMessage(context.Background(), "我要咖啡")
	require.NoError(t, err)
	s.WaitBackground()

	st := snapshot(t, s)
	user := st.Messages[0]
	assert.False(t, user.Meta.GradingLoading)
	require.NotNil(t, user.Meta.Grading)
	assert.Equal(t, 4, user.Meta.Grading.Score("naturalness"))
	assert.Equal(t, "不错", user.Meta.Grading.Feedback)
	assert.Equal(t, user.ID, st.SelectedMessageID)
	assert.Equal(t, model.AverageScores{"naturalness": "4.0", "grammar": "3.0", "complexity": "2.0"}, st.Averages)
}

func TestGradingFailureClearsLoading(t *testing.T) {
	for name, fn := range map[string]func(context.Context, model.GradeRequest) (*model.GradingResult, error){
		"transport error": func(context.Context, model.GradeRequest) (*model.GradingResult, error) {
			return nil, errors.New("connection refused")
		},
		"malformed": func(context.Context, model.GradeRequest) (*model.GradingResult, error) {
			return nil, nil
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := newTestSession(t, &fakeServices{gradeFn: fn})

			out, err := s.SendMessage(context.Background(), "你好")
			require.NoError(t, err)
			assert.Len(t, out, 1)
			s.WaitBackground()

			st := snapshot(t, s)
			assert.False(t, st.Messages[0].Meta.GradingLoading)
			assert.Nil(t, st.Messages[0].Meta.Grading)
			assert.Nil(t, st.Averages)
			assert.Zero(t, st.SelectedMessageID)
		})
	}
}

func TestGradingFailureLeavesOtherMessagesGraded(t *testing.T) {
	svc := &fakeServices{gradeFn: func(_ context.Context, req model.GradeRequest) (*model.GradingResult, error) {
		if req.Message == "坏" {
			return nil, errors.New("grader timeout")
		}
		return scores(4, 4, 4), nil
	}}
	s := newTestSession(t, svc)

	for _, text := range []string{"一", "二", "坏", "三"} {
		_, err := s.SendMessage(context.Background(), text)
		require.NoError(t, err)
	}
	s.WaitBackground()

	st := snapshot(t, s)
	var users []model.Message
	for _, m := range st.Messages {
		if m.Role == model.RoleUser {
			users = append(users, m)
		}
	}
	require.Len(t, users, 4)
	for _, m := range users {
		assert.False(t, m.Meta.GradingLoading, m.Text)
		if m.Text == "坏" {
			assert.Nil(t, m.Meta.Grading)
			continue
		}
		require.NotNil(t, m.Meta.Grading, m.Text)
		assert.Equal(t, 4, m.Meta.Grading.Score("complexity"), m.Text)
	}
	assert.Equal(t, model.AverageScores{"naturalness": "4.0", "grammar": "4.0", "complexity": "4.0"}, st.Averages)
}

func TestGradingDoesNotBlockReply(t *testing.T) {
	release := make(chan struct{})
	svc := &fakeServices{gradeFn: func(context.Context, model.GradeRequest) (*model.GradingResult, error) {
		<-release
		return scores(5, 5, 5), nil
	}}
	s := newTestSession(t, svc)

	out, err := s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	require.Len(t, out, 1)

	st := snapshot(t, s)
	assert.True(t, st.Messages[0].Meta.GradingLoading)

	close(release)
	s.WaitBackground()
	st = snapshot(t, s)
	assert.False(t, st.Messages[0].Meta.GradingLoading)
	assert.Equal(t, 5, st.Messages[0].Meta.Grading.Score("grammar"))
}

func TestStaleGradingAfterResetIsDropped(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	svc := &fakeServices{gradeFn: func(context.Context, model.GradeRequest) (*model.GradingResult, error) {
		if calls.Add(1) == 1 {
			<-release
			return scores(5, 5, 5), nil
		}
		return scores(1, 1, 1), nil
	}}
	s := newTestSession(t, svc)

	_, err := s.SendMessage(context.Background(), "旧消息")
	require.NoError(t, err)
	require.NoError(t, s.Reset())

	// 重置后的新消息复用 ID 1，过期评分不能落到它上面。
	_, err = s.SendMessage(context.Background(), "新消息")
	require.NoError(t, err)

	close(release)
	s.WaitBackground()

	st := snapshot(t, s)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, 1, st.Messages[0].ID)
	assert.Equal(t, "新消息", st.Messages[0].Text)
	assert.Equal(t, 1, st.Messages[0].Meta.Grading.Score("naturalness"))
}

func TestReplyAfterResetReturnsErrSessionReset(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svc := &fakeServices{replyFn: func(context.Context, model.ReplyRequest) (string, error) {
		close(started)
		<-release
		return "太晚了", nil
	}}
	s := newTestSession(t, svc)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendMessage(context.Background(), "你好")
		errCh <- err
	}()

	<-started
	st := snapshot(t, s)
	assert.True(t, st.AssistantLoading)
	assert.True(t, st.IsBusy())

	require.NoError(t, s.Reset())
	close(release)

	assert.ErrorIs(t, <-errCh, ErrSessionReset)
	s.WaitBackground()
	st = snapshot(t, s)
	assert.Empty(t, st.Messages)
	assert.False(t, st.AssistantLoading)
}

func TestReplyErrorPropagates(t *testing.T) {
	boom := errors.New("upstream down")
	s := newTestSession(t, &fakeServices{replyFn: func(context.Context, model.ReplyRequest) (string, error) {
		return "", boom
	}})

	out, err := s.SendMessage(context.Background(), "你好")
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, out)

	s.WaitBackground()
	st := snapshot(t, s)
	require.Len(t, st.Messages, 1, "user message stays in the transcript")
	assert.False(t, st.AssistantLoading)
}

func TestTokenizationErrorPropagates(t *testing.T) {
	boom := errors.New("tokenizer down")
	s := newTestSession(t, &fakeServices{tokenizeFn: func(context.Context, string) ([]model.Token, error) {
		return nil, boom
	}})

	_, err := s.SendMessage(context.Background(), "你好")
	assert.ErrorIs(t, err, boom)

	s.WaitBackground()
	st := snapshot(t, s)
	assert.Len(t, st.Messages, 1)
	assert.False(t, st.AssistantLoading)
}

func TestHistoryWrapsActionSegments(t *testing.T) {
	svc := &fakeServices{replyFn: func(context.Context, model.ReplyRequest) (string, error) {
		return "欢迎！（微笑）", nil
	}}
	s := newTestSession(t, svc)
	ok, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "我要美式")
	require.NoError(t, err)

	req := svc.lastReply()
	assert.Contains(t, req.SystemPrompt, "barista")
	require.Len(t, req.History, 4)
	assert.Equal(t, model.Turn{Role: model.RoleUser, Text: "你好"}, req.History[0])
	assert.Equal(t, model.Turn{Role: model.RoleAssistant, Text: "欢迎！"}, req.History[1])
	assert.Equal(t, model.Turn{Role: model.RoleAssistant, Text: "（微笑）"}, req.History[2])
	assert.Equal(t, model.Turn{Role: model.RoleUser, Text: "我要美式"}, req.History[3])
}

func TestStartConversation(t *testing.T) {
	svc := &fakeServices{replyFn: func(context.Context, model.ReplyRequest) (string, error) {
		return "我们聊聊天气吧。", nil
	}}
	s := newTestSession(t, svc)
	require.NoError(t, s.SetTopic("天气"))
	require.NoError(t, s.SetLevel("B1"))
	require.NoError(t, s.SetPracticeWords("下雨, 晴天"))

	out, err := s.StartConversation(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)

	req := svc.lastReply()
	require.Len(t, req.History, 1)
	prompt := req.History[0].Text
	assert.Contains(t, prompt, "天气")
	assert.Contains(t, prompt, "B1")
	assert.Contains(t, prompt, "下雨、晴天")
	assert.Equal(t, "B1", req.Level)
	assert.Empty(t, req.SystemPrompt)

	st := snapshot(t, s)
	require.Len(t, st.Messages, 1)
	assert.Equal(t, model.RoleAssistant, st.Messages[0].Role)
}

func TestEndConversationIsIdempotent(t *testing.T) {
	svc := &fakeServices{verifyFn: func(_ context.Context, req model.VerifyRequest) (model.VerificationResult, error) {
		time.Sleep(10 * time.Millisecond)
		return model.VerificationResult{Success: true, Justification: req.Goal}, nil
	}}
	s := newTestSession(t, svc)
	ok, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = s.SendMessage(context.Background(), "我要一杯大杯美式")
	require.NoError(t, err)

	const callers = 5
	results := make([]model.VerificationResult, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.EndConversation(context.Background())
			assert.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), svc.verifyCalls.Load())
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.True(t, results[0].Success)

	again, err := s.EndConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results[0], again)
	assert.Equal(t, int32(1), svc.verifyCalls.Load())

	st := snapshot(t, s)
	assert.Equal(t, model.PhaseSceneVerified, st.Phase)
	require.NotNil(t, st.Verification)
	assert.False(t, st.VerifyLoading)
}

func TestEndConversationWithoutScene(t *testing.T) {
	svc := &fakeServices{}
	s := newTestSession(t, svc)

	_, err := s.EndConversation(context.Background())
	assert.ErrorIs(t, err, ErrNoScene)
	assert.Zero(t, svc.verifyCalls.Load())
}

func TestEndConversationErrorIsNotStored(t *testing.T) {
	var calls atomic.Int32
	svc := &fakeServices{verifyFn: func(context.Context, model.VerifyRequest) (model.VerificationResult, error) {
		if calls.Add(1) == 1 {
			return model.VerificationResult{}, errors.New("timeout")
		}
		return model.VerificationResult{Success: false, Justification: "还没点单"}, nil
	}}
	s := newTestSession(t, svc)
	_, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)

	_, err = s.EndConversation(context.Background())
	require.Error(t, err)
	st := snapshot(t, s)
	assert.Nil(t, st.Verification)
	assert.False(t, st.VerifyLoading)

	r, err := s.EndConversation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "还没点单", r.Justification)
}

func TestLoadScene(t *testing.T) {
	s := newTestSession(t, &fakeServices{})

	ok, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)
	require.True(t, ok)
	st := snapshot(t, s)
	require.NotNil(t, st.Scene)
	assert.Equal(t, "coffee-shop", st.Scene.Name)
	assert.Equal(t, st.Scene.Title, st.Topic)
	assert.Equal(t, model.PhaseSceneLoaded, st.Phase)

	ok, err = s.LoadScene("moon-base")
	require.NoError(t, err)
	assert.False(t, ok)
	st = snapshot(t, s)
	assert.Nil(t, st.Scene)
	assert.Equal(t, model.PhaseIdle, st.Phase)
}

func TestResetRestoresDefaults(t *testing.T) {
	s := newTestSession(t, &fakeServices{}, WithDefaults(Defaults{Level: "A2", Topic: "购物"}))
	require.NoError(t, s.SetLevel("C1"))
	_, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	_, err = s.ToggleInteresting(model.Token{Word: "咖啡"})
	require.NoError(t, err)
	s.WaitBackground()

	require.NoError(t, s.Reset())
	st := snapshot(t, s)
	assert.Equal(t, "A2", st.Level)
	assert.Equal(t, "购物", st.Topic)
	assert.Nil(t, st.Scene)
	assert.Empty(t, st.Messages)
	assert.Empty(t, st.InterestingWords)
	assert.Equal(t, 1, st.NextID)
	assert.Zero(t, st.SelectedMessageID)
	assert.Equal(t, model.PhaseIdle, st.Phase)
}

func TestToggleInterestingAndSelect(t *testing.T) {
	s := newTestSession(t, &fakeServices{gradeFn: func(context.Context, model.GradeRequest) (*model.GradingResult, error) {
		return nil, nil
	}})
	tok := model.Token{Word: "咖啡", Pinyin: "kā fēi", Translation: "coffee"}

	added, err := s.ToggleInteresting(tok)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.ToggleInteresting(model.Token{Word: "美式"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.ToggleInteresting(tok)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []model.Token{{Word: "美式"}}, snapshot(t, s).InterestingWords)

	_, err = s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	s.WaitBackground()
	require.NoError(t, s.SelectMessage(2))
	assert.Equal(t, 2, snapshot(t, s).SelectedMessageID)
	assert.ErrorIs(t, s.SelectMessage(99), ErrMessageNotFound)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestSession(t, &fakeServices{})
	_, err := s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	s.WaitBackground()

	st := snapshot(t, s)
	st.Messages[0].Meta.Grading.Scores["grammar"] = 0
	st.Messages[1].Meta.Tokens[0].Word = "改了"
	st.Messages = st.Messages[:0]

	again := snapshot(t, s)
	require.Len(t, again.Messages, 2)
	assert.Equal(t, 3, again.Messages[0].Meta.Grading.Score("grammar"))
	assert.Equal(t, "好的。", again.Messages[1].Meta.Tokens[0].Word)
}

func TestTimelineReceivesEventsInOrder(t *testing.T) {
	store := timeline.NewInMemoryStore()
	s := newTestSession(t, &fakeServices{}, WithTimeline(store))

	_, err := s.LoadScene("coffee-shop")
	require.NoError(t, err)
	_, err = s.SendMessage(context.Background(), "你好")
	require.NoError(t, err)
	s.WaitBackground()
	_, err = s.EndConversation(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Reset())

	events, err := store.List(context.Background(), "s-1")
	require.NoError(t, err)

	var types []string
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
		types = append(types, e.Type)
	}
	// 评分与回复并发，二者相对顺序不固定。
	require.Len(t, types, 6)
	assert.Equal(t, model.EventSceneLoaded, types[0])
	assert.Equal(t, model.EventUserMessage, types[1])
	assert.ElementsMatch(t, []string{model.EventGrading, model.EventAssistantMessage}, types[2:4])
	assert.Equal(t, model.EventVerification, types[4])
	assert.Equal(t, model.EventReset, types[5])
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	s := NewSession("s-1", &fakeServices{}, domain.DefaultCatalog())
	s.Close()
	s.Close()

	_, err := s.Snapshot()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.SendMessage(context.Background(), "你好")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Reset(), ErrSessionClosed)
}

func TestConcurrentSendersGetDistinctIDs(t *testing.T) {
	s := newTestSession(t, &fakeServices{})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.SendMessage(context.Background(), strings.Repeat("好", i+1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	s.WaitBackground()

	st := snapshot(t, s)
	require.Len(t, st.Messages, 16)
	seen := map[int]bool{}
	for i, m := range st.Messages {
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
		assert.Equal(t, i+1, m.ID)
		if m.Role == model.RoleUser {
			assert.False(t, m.Meta.GradingLoading)
		}
	}
}

func TestParsePracticeWords(t *testing.T) {
	assert.Equal(t, []string{"咖啡", "美式", "大杯", "拿铁"}, ParsePracticeWords(" 咖啡, 美式;大杯\n拿铁 "))
	assert.Equal(t, []string{"你好", "谢谢"}, ParsePracticeWords("你好，谢谢"))
	assert.Nil(t, ParsePracticeWords(" ,; "))
}
