package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes = 16 * 1024
	maxFramesPerSecond   = 40
)

// NewHandler creates relay routes backed by a fresh, independent state
// instance.
func NewHandler() http.Handler {
	state := newRelayState()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, state)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func handleWSConn(conn *websocket.Conn, state *relayState) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	peer := newWSPeer(json.NewEncoder(conn))
	session := newWSSession(peer)
	defer func() {
		state.registry.unbind(peer)
		userID, _ := session.identity()
		if userID == "" {
			userID = "anonymous"
		}
		log.Printf("relay: client disconnected: %s", userID)
	}()

	_ = peer.writeFrame(serverFrame{Type: msgConnected, Message: "connected to relay"})

	windowStart := time.Now()
	framesInWindow := 0

	for {
		// Frames are received whole and unmarshalled independently so a
		// malformed frame never desynchronizes the stream for later ones.
		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = peer.writeFrame(serverFrame{Type: msgError, Message: "payload too large"})
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.writeFrame(serverFrame{Type: msgError, Message: "rate limit exceeded"})
			return
		}

		var frame clientFrame
		if err := json.Unmarshal([]byte(raw), &frame); err != nil {
			_ = peer.writeFrame(serverFrame{Type: msgError, Message: "invalid message"})
			continue
		}
		dispatchFrame(state, session, frame)
	}
}
