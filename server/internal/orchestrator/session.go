// Package orchestrator 管理单个学习会话：会话记录、情景、评分与回复的编排。
//
// 会话状态只由 mailbox 协程修改；前台请求与后台评分都通过提交闭包来变更状态。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"hanchat/server/internal/logging"
	"hanchat/server/internal/model"
	"hanchat/server/internal/observe"
	"hanchat/server/internal/timeline"
	"hanchat/server/internal/transcript"
)

var (
	// ErrNoScene 结束对话时没有已加载的情景。
	ErrNoScene = errors.New("no scene loaded")
	// ErrSessionReset 请求进行期间会话被重置，结果已丢弃。
	ErrSessionReset = errors.New("session was reset")
	// ErrSessionClosed 会话已关闭。
	ErrSessionClosed = errors.New("session closed")
	// ErrMessageNotFound 指定的消息不存在。
	ErrMessageNotFound = errors.New("message not found")
)

// Tokenizer 把文本切分成带拼音与翻译的词。
type Tokenizer interface {
	Tokenize(ctx context.Context, text string) ([]model.Token, error)
}

// ReplyGenerator 生成助手回复原文。
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req model.ReplyRequest) (string, error)
}

// Grader 对用户消息评分；(nil, nil) 表示可恢复的失败。
type Grader interface {
	Grade(ctx context.Context, req model.GradeRequest) (*model.GradingResult, error)
}

// GoalVerifier 核验对话是否达成情景目标。
type GoalVerifier interface {
	VerifyGoal(ctx context.Context, req model.VerifyRequest) (model.VerificationResult, error)
}

// Services 会话依赖的全部外部服务。
type Services interface {
	Tokenizer
	ReplyGenerator
	Grader
	GoalVerifier
}

// SceneCatalog 按名称查找情景。
type SceneCatalog interface {
	Lookup(name string) (model.Scene, bool)
}

// Defaults 是新会话与 Reset 之后的初始设置。
type Defaults struct {
	Level string
	Topic string
}

// Option 配置 Session。
type Option func(*Session)

// WithTimeline 把每次状态变更发布到时间线。
func WithTimeline(store timeline.Store) Option {
	return func(s *Session) { s.timeline = store }
}

// WithMetrics 设置指标。
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger 设置日志。
func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) { s.log = log }
}

// WithDefaults 设置初始水平与话题。
func WithDefaults(d Defaults) Option {
	return func(s *Session) { s.defaults = d }
}

// WithClock 替换时间来源，测试用。
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session 是一个学习会话，可被多个协程并发调用。
type Session struct {
	id       string
	services Services
	scenes   SceneCatalog
	timeline timeline.Store
	metrics  *observe.Metrics
	log      *logrus.Entry
	defaults Defaults
	now      func() time.Time

	box *mailbox
	st  *state

	// endMu 串行化 EndConversation，保证同一时刻至多一次核验调用。
	endMu sync.Mutex
	// background 跟踪后台评分协程。
	background sync.WaitGroup
	closeOnce  sync.Once
}

// NewSession 创建会话并启动其 mailbox。
func NewSession(id string, services Services, scenes SceneCatalog, opts ...Option) *Session {
	s := &Session{
		id:       id,
		services: services,
		scenes:   scenes,
		defaults: Defaults{Level: "A1", Topic: "日常对话"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Discard()
	}
	s.log = s.log.WithField("session_id", id)
	s.st = newState(s.defaults)
	s.box = newMailbox(s.log)
	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

// ID 返回会话 ID。
func (s *Session) ID() string { return s.id }

// Close 停止 mailbox；之后的操作返回 ErrSessionClosed。不等待后台评分。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.box.close()
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		s.log.Info("[Session] Closed")
	})
}

// WaitBackground 等待已启动的后台评分全部结束。
func (s *Session) WaitBackground() {
	s.background.Wait()
}

// Snapshot 返回当前状态的深拷贝。
func (s *Session) Snapshot() (model.SessionState, error) {
	var out model.SessionState
	err := s.box.call(func() { out = s.st.snapshot(s.id) })
	return out, err
}

// LoadScene 加载情景并把其标题写入话题；未知名称会清空当前情景并返回 false。
// 已有的核验结果随情景一起清除。
func (s *Session) LoadScene(name string) (bool, error) {
	sc, ok := s.scenes.Lookup(name)
	err := s.box.call(func() {
		s.st.verification = nil
		if !ok {
			s.st.scene = nil
			return
		}
		s.st.scene = &sc
		s.st.topic = sc.Title
		s.publish(model.Event{Type: model.EventSceneLoaded, Scene: &sc})
	})
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.WithField("scene", name).Warn("[Session] Unknown scene")
	}
	return ok, nil
}

// SetLevel 设置学生水平。
func (s *Session) SetLevel(level string) error {
	return s.updateSettings(func(st *state) { st.level = strings.TrimSpace(level) })
}

// SetTopic 设置对话话题。
func (s *Session) SetTopic(topic string) error {
	return s.updateSettings(func(st *state) { st.topic = strings.TrimSpace(topic) })
}

// SetPracticeWords 解析并设置练习词。
func (s *Session) SetPracticeWords(input string) error {
	words := ParsePracticeWords(input)
	return s.updateSettings(func(st *state) { st.practiceWords = words })
}

func (s *Session) updateSettings(fn func(*state)) error {
	return s.box.call(func() {
		fn(s.st)
		s.publish(model.Event{Type: model.EventSettings})
	})
}

// ToggleInteresting 把词加入或移出生词本；返回 true 表示加入。
func (s *Session) ToggleInteresting(tok model.Token) (bool, error) {
	var added bool
	err := s.box.call(func() { added = s.st.toggleInteresting(tok) })
	return added, err
}

// SelectMessage 选中一条消息，用于展示其评分详情。
func (s *Session) SelectMessage(id int) error {
	found := false
	err := s.box.call(func() {
		if s.st.find(id) != nil {
			s.st.selectedID = id
			found = true
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("select %d: %w", id, ErrMessageNotFound)
	}
	return nil
}

// Reset 恢复初始状态。进行中的请求不会被取消，但其结果会被丢弃。
func (s *Session) Reset() error {
	err := s.box.call(func() {
		s.st.reset(s.defaults)
		s.publish(model.Event{Type: model.EventReset})
	})
	if err == nil {
		s.log.Info("[Session] Reset")
	}
	return err
}

// SendMessage 追加一条用户消息，在后台评分，并在前台等待回复。
// 返回本次追加的助手消息；空白文本不做任何事。
func (s *Session) SendMessage(ctx context.Context, text string) ([]model.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var (
		userMsg  model.Message
		gradeReq model.GradeRequest
		replyReq model.ReplyRequest
		epoch    uint64
	)
	err := s.box.call(func() {
		userMsg = s.st.appendMessage(model.RoleUser, text, model.MessageMeta{GradingLoading: true}, s.now())
		s.publish(model.Event{Type: model.EventUserMessage, Message: &userMsg})

		gradeReq = model.GradeRequest{Message: text, Level: s.st.level, Topic: s.st.topic}
		replyReq = model.ReplyRequest{
			SystemPrompt: s.st.systemPrompt(),
			History:      s.st.history(),
			Level:        s.st.level,
		}
		epoch = s.st.epoch
		s.st.assistantLoading = true
	})
	if err != nil {
		return nil, err
	}

	s.launchGrading(ctx, epoch, userMsg.ID, gradeReq)
	return s.reply(ctx, epoch, replyReq)
}

// StartConversation 让助手按当前话题、水平与练习词开启对话。
func (s *Session) StartConversation(ctx context.Context) ([]model.Message, error) {
	var (
		replyReq model.ReplyRequest
		epoch    uint64
	)
	err := s.box.call(func() {
		replyReq = model.ReplyRequest{
			SystemPrompt: s.st.systemPrompt(),
			History: []model.Turn{{
				Role: model.RoleUser,
				Text: openingPrompt(s.st.topic, s.st.level, s.st.practiceWords),
			}},
			Level: s.st.level,
		}
		epoch = s.st.epoch
		s.st.assistantLoading = true
	})
	if err != nil {
		return nil, err
	}
	return s.reply(ctx, epoch, replyReq)
}

// EndConversation 核验对话是否达成情景目标。幂等：已有结果时直接返回，不再调用服务。
func (s *Session) EndConversation(ctx context.Context) (model.VerificationResult, error) {
	s.endMu.Lock()
	defer s.endMu.Unlock()

	var (
		existing *model.VerificationResult
		scene    *model.Scene
		req      model.VerifyRequest
		epoch    uint64
	)
	err := s.box.call(func() {
		existing = s.st.verification
		scene = s.st.scene
		if existing != nil || scene == nil {
			return
		}
		req = model.VerifyRequest{History: s.st.history(), Goal: scene.VerificationGoal}
		epoch = s.st.epoch
		s.st.verifyLoading = true
	})
	if err != nil {
		return model.VerificationResult{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	if scene == nil {
		return model.VerificationResult{}, ErrNoScene
	}

	start := time.Now()
	result, verr := s.services.VerifyGoal(ctx, req)
	s.metrics.RecordService(ctx, "verify", start, verr)

	stale := false
	err = s.box.call(func() {
		if s.st.epoch != epoch {
			stale = true
			return
		}
		s.st.verifyLoading = false
		if verr != nil {
			return
		}
		stored := result
		s.st.verification = &stored
		s.publish(model.Event{Type: model.EventVerification, Verification: &stored})
	})
	switch {
	case verr != nil:
		return model.VerificationResult{}, fmt.Errorf("end conversation: %w", verr)
	case err != nil:
		return model.VerificationResult{}, err
	case stale:
		return model.VerificationResult{}, ErrSessionReset
	}

	s.log.WithFields(logrus.Fields{
		"scene":   scene.Name,
		"success": result.Success,
	}).Info("[Session] Scene verified")
	return result, nil
}

// launchGrading 在后台评分。评分不随调用方取消；结果以补丁形式提交回 mailbox，
// 只携带消息 ID 与 epoch。
func (s *Session) launchGrading(ctx context.Context, epoch uint64, msgID int, req model.GradeRequest) {
	gctx := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		start := time.Now()
		result, err := s.services.Grade(gctx, req)
		s.metrics.RecordService(gctx, "grade", start, err)
		if err != nil || result == nil {
			entry := s.log.WithField("message_id", msgID)
			if err != nil {
				entry = entry.WithError(err)
			}
			entry.Warn("[Session] Grading failed")
			if s.metrics != nil {
				s.metrics.GradingFailures.Add(gctx, 1)
			}
			result = nil
		}

		perr := s.box.post(func() {
			msg, ok := s.st.applyGrading(epoch, msgID, result)
			if !ok {
				s.log.WithField("message_id", msgID).Debug("[Session] Stale grading dropped")
				return
			}
			s.publish(model.Event{Type: model.EventGrading, Message: &msg})
		})
		if perr != nil {
			s.log.WithField("message_id", msgID).Debug("[Session] Grading finished after close")
		}
	}()
}

type alignedSegment struct {
	seg    model.Segment
	tokens []model.RenderToken
}

// reply 生成回复、切分、并发分词对齐，然后按片段顺序追加助手消息。
func (s *Session) reply(ctx context.Context, epoch uint64, req model.ReplyRequest) ([]model.Message, error) {
	segments, err := s.generate(ctx, req)
	if err != nil {
		s.finishReply(epoch)
		return nil, err
	}

	var (
		out   []model.Message
		stale bool
	)
	err = s.box.call(func() {
		if s.st.epoch != epoch {
			stale = true
			return
		}
		s.st.assistantLoading = false
		now := s.now()
		for _, a := range segments {
			msg := s.st.appendMessage(model.RoleAssistant, a.seg.Text, model.MessageMeta{
				Tokens: a.tokens,
				Kind:   a.seg.Kind,
			}, now)
			s.publish(model.Event{Type: model.EventAssistantMessage, Message: &msg})
			out = append(out, msg.Clone())
		}
	})
	if err != nil {
		return nil, err
	}
	if stale {
		s.log.Debug("[Session] Stale reply dropped")
		return nil, ErrSessionReset
	}
	return out, nil
}

func (s *Session) generate(ctx context.Context, req model.ReplyRequest) ([]alignedSegment, error) {
	start := time.Now()
	raw, err := s.services.GenerateReply(ctx, req)
	s.metrics.RecordService(ctx, "reply", start, err)
	if err != nil {
		return nil, fmt.Errorf("assistant reply: %w", err)
	}

	segs := transcript.Split(raw)
	results := make([]alignedSegment, len(segs))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		g.Go(func() error {
			start := time.Now()
			tokens, err := s.services.Tokenize(gctx, seg.Text)
			s.metrics.RecordService(gctx, "tokenize", start, err)
			if err != nil {
				return fmt.Errorf("segment %d: %w", i, err)
			}
			aligned, stats := transcript.AlignWithStats(seg.Text, tokens)
			s.metrics.RecordAlign(gctx, stats.Punctuation, stats.Exact, stats.Drift, stats.Fallback)
			results[i] = alignedSegment{seg: seg, tokens: aligned}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("assistant reply: %w", err)
	}
	return results, nil
}

// finishReply 在回复失败时清除忙碌标记；Reset 之后的失败不再影响新状态。
func (s *Session) finishReply(epoch uint64) {
	_ = s.box.call(func() {
		if s.st.epoch == epoch {
			s.st.assistantLoading = false
		}
	})
}

// publish 写入时间线。只能在 mailbox 协程中调用。
func (s *Session) publish(evt model.Event) {
	if s.timeline == nil {
		return
	}
	if evt.Message != nil {
		m := evt.Message.Clone()
		evt.Message = &m
	}
	evt.SessionID = s.id
	evt.ServerTS = s.now()
	if _, err := s.timeline.Append(context.Background(), s.id, &evt); err != nil {
		s.log.WithError(err).WithField("type", evt.Type).Warn("[Session] Timeline append failed")
	}
}
