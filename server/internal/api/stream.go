package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hanchat/server/internal/model"
)

// handleSessionStream 先回放时间线，再持续推送新事件，直到客户端断开或会话被删除。
func (s *Server) handleSessionStream(c *gin.Context) {
	sessionID := c.Param("id")
	if _, ok := s.lookup(c); !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).WithField("session_id", sessionID).Warn("[API] ❌ Failed to upgrade websocket")
		return
	}
	defer conn.Close()
	// http.Server 的读超时会残留在被劫持的连接上。
	_ = conn.SetReadDeadline(time.Time{})

	log := s.log.WithFields(logrus.Fields{"session_id": sessionID, "remote": c.Request.RemoteAddr})
	log.Info("[API] 📡 Stream connected")

	// 先订阅再回放，按 seq 去重，避免两者之间的事件丢失。
	live, cancel := s.deps.Timeline.Subscribe(sessionID)
	defer cancel()

	history, err := s.deps.Timeline.List(c.Request.Context(), sessionID)
	if err != nil {
		log.WithError(err).Error("[API] ❌ Timeline replay failed")
		return
	}
	var lastSeq int64
	for i := range history {
		if err := s.writeEvent(conn, &history[i]); err != nil {
			log.WithError(err).Debug("[API] Stream write failed")
			return
		}
		lastSeq = history[i].Seq
	}

	ctx, stop := context.WithCancel(c.Request.Context())
	defer stop()
	go readLoop(conn, stop)

	interval := s.config.Stream.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[API] 🔌 Stream disconnected")
			return
		case evt, ok := <-live:
			if !ok {
				// 会话已删除。
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(s.writeTimeout()))
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			lastSeq = evt.Seq
			if err := s.writeEvent(conn, &evt); err != nil {
				log.WithError(err).Debug("[API] Stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				log.WithError(err).Debug("[API] Ping failed")
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, evt *model.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) writeTimeout() time.Duration {
	if s.config.Stream.WriteTimeout > 0 {
		return s.config.Stream.WriteTimeout
	}
	return 10 * time.Second
}

// readLoop 只负责处理控制帧并感知断开；客户端发来的数据帧被丢弃。
func readLoop(conn *websocket.Conn, stop context.CancelFunc) {
	defer stop()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
