package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"hanchat/server/internal/model"
	"hanchat/server/internal/orchestrator"
)

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleScenes 返回所有可用情景。
func (s *Server) handleScenes(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Catalog.List())
}

type createSessionRequest struct {
	Level string `json:"level"`
	Topic string `json:"topic"`
	Scene string `json:"scene"`
}

// handleCreateSession 创建会话；可选地立即加载情景。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	// 允许空请求体，全部使用默认设置。
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	defaults := orchestrator.Defaults{
		Level: s.config.Session.DefaultLevel,
		Topic: s.config.Session.DefaultTopic,
	}
	id := s.newID()
	sess := orchestrator.NewSession(id, s.deps.Services, s.deps.Catalog,
		orchestrator.WithDefaults(defaults),
		orchestrator.WithTimeline(s.deps.Timeline),
		orchestrator.WithMetrics(s.deps.Metrics),
		orchestrator.WithLogger(s.log),
	)

	if err := s.applyCreate(sess, req); err != nil {
		sess.Close()
		s.writeError(c, err)
		return
	}
	if err := s.deps.Sessions.Save(c.Request.Context(), sess); err != nil {
		sess.Close()
		s.writeError(c, err)
		return
	}
	s.log.WithField("session_id", id).Info("[API] ✅ Session created")
	s.respondSnapshot(c, http.StatusCreated, sess)
}

func (s *Server) applyCreate(sess *orchestrator.Session, req createSessionRequest) error {
	if req.Level != "" {
		if err := sess.SetLevel(req.Level); err != nil {
			return err
		}
	}
	scene := req.Scene
	if scene == "" {
		scene = s.config.Session.DefaultScene
	}
	if scene != "" {
		if _, err := sess.LoadScene(scene); err != nil {
			return err
		}
	}
	// 显式话题优先于情景标题。
	if req.Topic != "" {
		return sess.SetTopic(req.Topic)
	}
	return nil
}

func (s *Server) lookup(c *gin.Context) (*orchestrator.Session, bool) {
	sess, err := s.deps.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) respondSnapshot(c *gin.Context, status int, sess *orchestrator.Session) {
	st, err := sess.Snapshot()
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(status, st)
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	s.respondSnapshot(c, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Sessions.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	s.deps.Timeline.Drop(id)
	c.Status(http.StatusNoContent)
}

type loadSceneRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleLoadScene(c *gin.Context) {
	var req loadSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	found, err := sess.LoadScene(req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "scene not found", "available": s.deps.Catalog.Names()})
		return
	}
	s.respondSnapshot(c, http.StatusOK, sess)
}

type settingsRequest struct {
	Level         *string `json:"level"`
	Topic         *string `json:"topic"`
	PracticeWords *string `json:"practice_words"`
}

func (s *Server) handleSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}

	var err error
	if req.Level != nil && err == nil {
		err = sess.SetLevel(*req.Level)
	}
	if req.Topic != nil && err == nil {
		err = sess.SetTopic(*req.Topic)
	}
	if req.PracticeWords != nil && err == nil {
		err = sess.SetPracticeWords(*req.PracticeWords)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.respondSnapshot(c, http.StatusOK, sess)
}

type messagesResponse struct {
	Messages []model.Message `json:"messages"`
}

// rejectBusy 在已有回复或核验进行中时拒绝新的前台请求。
func (s *Server) rejectBusy(c *gin.Context, sess *orchestrator.Session) bool {
	st, err := sess.Snapshot()
	if err != nil {
		s.writeError(c, err)
		return true
	}
	if st.IsBusy() {
		c.JSON(http.StatusConflict, gin.H{"error": "session busy"})
		return true
	}
	return false
}

func (s *Server) handleStart(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok || s.rejectBusy(c, sess) {
		return
	}
	out, err := sess.StartConversation(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messagesResponse{Messages: nonNil(out)})
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusOK, messagesResponse{Messages: []model.Message{}})
		return
	}
	if s.rejectBusy(c, sess) {
		return
	}
	out, err := sess.SendMessage(c.Request.Context(), req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messagesResponse{Messages: nonNil(out)})
}

func (s *Server) handleEnd(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	result, err := sess.EndConversation(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleReset(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.Reset(); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondSnapshot(c, http.StatusOK, sess)
}

func (s *Server) handleInteresting(c *gin.Context) {
	var tok model.Token
	if err := c.ShouldBindJSON(&tok); err != nil || tok.Word == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "word required"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	added, err := sess.ToggleInteresting(tok)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

type selectRequest struct {
	MessageID int `json:"message_id"`
}

func (s *Server) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := sess.SelectMessage(req.MessageID); err != nil {
		s.writeError(c, err)
		return
	}
	s.respondSnapshot(c, http.StatusOK, sess)
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
