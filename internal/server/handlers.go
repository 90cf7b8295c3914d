// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns the handler for WebSocket upgrade requests. It
// validates that the request uses the GET method, upgrades the HTTP
// connection, creates a Session, and hands it to the hub; the hub launches
// the session's read/write pumps and announces the arrival.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		session := NewSession(conn, hub, r.RemoteAddr)
		hub.register <- session
	}
}

// HealthHandler provides a simple health check endpoint.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

// TestPageHandler serves an HTML page for exercising the chat protocol by
// hand: it connects to /ws, renders incoming envelopes, and sends
// client_send_message and client_set_nickname envelopes.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Chat Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; cursor: pointer; }
        .system { color: gray; font-style: italic; }
        .chat { color: black; }
    </style>
</head>
<body>
    <h1>Chat Test</h1>
    <div id="messages"></div>
    <div>
        <input type="text" id="messageInput" placeholder="Message...">
        <button onclick="sendChat()">Send</button>
    </div>
    <div>
        <input type="text" id="nicknameInput" placeholder="Nickname...">
        <button onclick="setNickname()">Set nickname</button>
    </div>

    <script>
        const messagesDiv = document.getElementById('messages');
        const ws = new WebSocket('ws://' + location.host + '/ws');

        function addLine(text, cls) {
            const el = document.createElement('div');
            el.className = cls;
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        ws.onmessage = function(event) {
            let env;
            try { env = JSON.parse(event.data); } catch (e) { return; }
            const p = env.payload || {};
            switch (env.type) {
            case 'server_broadcast_message':
                addLine(p.nickname + ': ' + p.text, 'chat');
                break;
            case 'server_client_connected':
            case 'server_client_disconnected':
                addLine(p.nickname + ' — ' + p.message, 'system');
                break;
            }
        };

        function sendChat() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (!text || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({type: 'client_send_message', payload: {text: text}}));
            input.value = '';
        }

        function setNickname() {
            const input = document.getElementById('nicknameInput');
            const nickname = input.value.trim();
            if (!nickname || ws.readyState !== WebSocket.OPEN) return;
            ws.send(JSON.stringify({type: 'client_set_nickname', payload: {nickname: nickname}}));
            input.value = '';
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') sendChat();
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
