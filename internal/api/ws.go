package api

import (
	"log/slog"
	"time"

	"escrowmarket/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// 单条消息写超时
	writeWait = 10 * time.Second
	// 两次 pong 之间的最长间隔
	pongWait = 60 * time.Second
	// ping 周期，必须小于 pongWait
	pingPeriod = (pongWait * 9) / 10
)

// handleWebSocket 将 HTTP 连接升级为 WebSocket 并接入事件广播。
//
// GET /ws
//
// 连接是只读的：客户端发来的消息一律丢弃，读循环只用于感知断连。
// 写缓冲满导致订阅被 Hub 移除时，通道关闭会让写循环自然退出。
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	sub := s.hub.Subscribe()
	s.logger.Debug("websocket subscriber connected", slog.String("remote", conn.RemoteAddr().String()))

	go s.writePump(conn, sub)
	s.readPump(conn)

	s.hub.Unsubscribe(sub)
	conn.Close()
	s.logger.Debug("websocket subscriber disconnected", slog.String("remote", conn.RemoteAddr().String()))
}

// writePump 把订阅通道里的事件写到连接上，并周期性发 ping。
func (s *Server) writePump(conn *websocket.Conn, sub *hub.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 订阅被 Hub 移除（慢消费或服务关闭）
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 丢弃入站消息，直到连接出错或关闭。
func (s *Server) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
