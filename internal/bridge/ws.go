package bridge

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/docflow/internal/logging"
)

const maxInboundMessageBytes = 4 << 10

// pong が pongWait 以内に届かない接続は半開きとみなして外す
var (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Handler は GET /ws のハンドラーを返します。トークンは接続ごとにサーバーが割り当てます。
func Handler(hub *Hub, allowedOrigins []string) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	wait, period := pongWait, pingPeriod

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("failed to upgrade to websocket", logging.Error(err))
			return
		}

		token, err := hub.Register(conn)
		if err != nil {
			hub.logger.Warn("failed to register client", logging.Error(err))
			_ = conn.Close()
			return
		}

		stopPing := make(chan struct{})
		go keepAlive(conn, period, stopPing)

		// 受信は切断検知のためだけに読む
		conn.SetReadLimit(maxInboundMessageBytes)
		_ = conn.SetReadDeadline(time.Now().Add(wait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		close(stopPing)
		hub.release(token, conn)
		hub.logger.Debug("client disconnected", slog.String("token", token))
	}
}

// keepAlive は period ごとに ping を送ります。WriteControl は書き込みループと並行して呼べます。
func keepAlive(conn *websocket.Conn, period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		if origin != "" {
			set[origin] = struct{}{}
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
