// Package bridge はワーカーが発行した進捗/結果イベントを、相関トークンで登録されたクライアント接続へ届けます。
//
// 配送はベストエフォートです。トークンに対応する接続がなければイベントは捨てられ、
// 成果物はダウンロード参照から取得できます。
package bridge

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yourusername/docflow/internal/jobs"
	"github.com/yourusername/docflow/internal/logging"
)

const defaultSendBuffer = 256

// Conn はクライアント接続です。*websocket.Conn が満たします。
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Frame はクライアントへ送るメッセージです。
type Frame struct {
	Type        string            `json:"type"`
	Token       string            `json:"token,omitempty"`
	JobID       string            `json:"jobId,omitempty"`
	Message     string            `json:"message,omitempty"`
	Status      jobs.ResultStatus `json:"status,omitempty"`
	DownloadRef string            `json:"downloadRef,omitempty"`
	Duration    *float64          `json:"duration,omitempty"`
	FileSize    *int64            `json:"fileSize,omitempty"`
	ErrorCode   string            `json:"errorCode,omitempty"`
	ErrorDetail string            `json:"errorDetail,omitempty"`
}

// Hub は相関トークンと接続の対応表です。
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*client
	sendBuffer int
	logger     *slog.Logger
}

type client struct {
	token string
	conn  Conn
	send  chan []byte
	done  chan struct{}
}

// NewHub は Hub を作成します。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*client),
		sendBuffer: defaultSendBuffer,
		logger:     logger.With(slog.String("component", "bridge")),
	}
}

// Register は接続を登録し、サーバー側で割り当てたトークンを返します。
// クライアントがトークンを指定する手段はなく、切断した接続のトークンを別の接続が引き継ぐことはありません。
// 最初のフレームは必ず {type: "registered", token} です。
func (h *Hub) Register(conn Conn) (string, error) {
	if conn == nil {
		return "", errors.New("conn is nil")
	}

	h.mu.Lock()
	token := uuid.NewString()
	for h.clients[token] != nil {
		token = uuid.NewString()
	}

	c := &client{
		token: token,
		conn:  conn,
		send:  make(chan []byte, h.sendBuffer),
		done:  make(chan struct{}),
	}
	frame, _ := json.Marshal(Frame{Type: "registered", Token: token})
	c.send <- frame
	h.clients[token] = c
	count := len(h.clients)
	h.mu.Unlock()

	go h.writeLoop(c)
	h.logger.Debug("client registered", slog.String("token", token), slog.Int("clients", count))
	return token, nil
}

// Unregister はトークンの接続を外します。ジョブは止まりません。
func (h *Hub) Unregister(token string) {
	h.mu.Lock()
	c := h.clients[token]
	if c != nil {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// release は conn がまだ token を保持している場合だけ外します。
func (h *Hub) release(token string, conn Conn) {
	h.mu.Lock()
	if c := h.clients[token]; c != nil && c.conn == conn {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

// Dispatch はイベントをトークンの接続へ渡します。接続がなければ false を返して捨てます。
// 同じ接続へのフレームは受け取った順に書き込まれます。
func (h *Hub) Dispatch(event jobs.Event) bool {
	frame, err := json.Marshal(toFrame(event))
	if err != nil {
		h.logger.Warn("failed to encode frame", slog.String("job_id", event.JobID), logging.Error(err))
		return false
	}

	h.mu.RLock()
	c := h.clients[event.Token]
	if c == nil {
		h.mu.RUnlock()
		h.logger.Debug("dropped event for unknown token",
			slog.String("token", event.Token),
			slog.String("job_id", event.JobID),
			slog.String("kind", string(event.Kind)),
		)
		return false
	}
	select {
	case c.send <- frame:
		h.mu.RUnlock()
		return true
	default:
	}
	h.mu.RUnlock()

	// 順序を崩さずに間引くことはできないので、詰まった接続ごと切る
	h.logger.Warn("client send buffer full, disconnecting", slog.String("token", event.Token))
	h.mu.Lock()
	if h.clients[event.Token] == c {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	return false
}

// Count は登録中の接続数を返します。
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全接続を外します。
func (h *Hub) Close() {
	h.mu.Lock()
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(c *client) {
	delete(h.clients, c.token)
	close(c.send)
}

func (h *Hub) writeLoop(c *client) {
	defer close(c.done)
	defer c.conn.Close()
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.logger.Debug("client write failed", slog.String("token", c.token), logging.Error(err))
			h.mu.Lock()
			if h.clients[c.token] == c {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			// 残りを捨てて送信側を詰まらせない
			for range c.send {
			}
			return
		}
	}
}

func toFrame(event jobs.Event) Frame {
	frame := Frame{Type: string(event.Kind), JobID: event.JobID}
	switch {
	case event.Progress != nil:
		frame.Message = event.Progress.Message
	case event.Result != nil:
		r := event.Result
		frame.Status = r.Status
		frame.DownloadRef = r.DownloadRef
		frame.Duration = r.Duration
		frame.FileSize = r.FileSize
		frame.ErrorCode = r.ErrorCode
		frame.ErrorDetail = r.ErrorDetail
	}
	return frame
}
