package bridge

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestWebsocketHandlerRegistersAndDelivers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil)
	router := gin.New()
	router.GET("/ws", Handler(hub, []string{"*"}))
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var registered Frame
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatalf("read registered frame: %v", err)
	}
	if registered.Type != "registered" || registered.Token == "" {
		t.Fatalf("unexpected first frame: %#v", registered)
	}

	if !hub.Dispatch(progress(registered.Token, "job-1", "Process: hello")) {
		t.Fatal("dispatch failed")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read progress frame: %v", err)
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "progress" || frame.Message != "Process: hello" || frame.JobID != "job-1" {
		t.Fatalf("unexpected frame: %#v", frame)
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatal("disconnected client should be unregistered")
	}
}

func shortKeepAlive(t *testing.T) {
	t.Helper()
	prevWait, prevPeriod := pongWait, pingPeriod
	pongWait, pingPeriod = 300*time.Millisecond, 100*time.Millisecond
	t.Cleanup(func() { pongWait, pingPeriod = prevWait, prevPeriod })
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", Handler(hub, []string{"*"}))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSilentConnectionIsDroppedAfterPongWait(t *testing.T) {
	shortKeepAlive(t)
	hub := NewHub(nil)
	conn := dialHub(t, hub)

	// 登録フレームだけ読み、以後は読まないので ping に pong が返らない
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var registered Frame
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatalf("read registered frame: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for hub.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if hub.Count() != 0 {
		t.Fatal("connection without pongs should be unregistered")
	}
}

func TestRespondingConnectionStaysRegistered(t *testing.T) {
	shortKeepAlive(t)
	hub := NewHub(nil)
	conn := dialHub(t, hub)

	// 読み続けるクライアントは既定の ping ハンドラーで pong を返す
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(time.Second)
	if hub.Count() != 1 {
		t.Fatalf("responsive client was dropped, count = %d", hub.Count())
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:5173", " https://app.example.com "})
	req := httptest.NewRequest("GET", "/ws", nil)
	if !check(req) {
		t.Fatal("requests without Origin are allowed")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Fatal("listed origin should be allowed")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("unlisted origin should be rejected")
	}
}
