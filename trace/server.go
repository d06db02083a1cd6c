package trace

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/HayeonP/tvm-segment/log"
	"github.com/gorilla/websocket"
)

// Viewer serves trace records to a single websocket client. At most one
// client is attached; a new connection replaces the old one.
type Viewer struct {
	srv *http.Server

	connMu sync.Mutex
	wsConn *websocket.Conn
}

// AttachViewer starts the viewer server on addr. Records pushed before a
// client connects are dropped.
func AttachViewer(addr string) (*Viewer, error) {
	v := &Viewer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error(log.TraceMonitoring, "viewer upgrade error", "err", err)
			return
		}
		log.Info(log.TraceMonitoring, "viewer client connected")

		v.connMu.Lock()
		if v.wsConn != nil {
			v.wsConn.Close()
		}
		v.wsConn = c
		v.connMu.Unlock()

		c.SetCloseHandler(func(code int, text string) error {
			log.Info(log.TraceMonitoring, "viewer client closed", "code", code, "text", text)
			v.connMu.Lock()
			if v.wsConn == c {
				v.wsConn = nil
			}
			v.connMu.Unlock()
			return nil
		})
	})

	v.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info(log.TraceMonitoring, "viewer server listening", "addr", addr)
		if err := v.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(log.TraceMonitoring, "viewer server error", "err", err)
		}
	}()
	return v, nil
}

// Push sends one record to the attached client, if any.
func (v *Viewer) Push(data []byte) {
	v.connMu.Lock()
	defer v.connMu.Unlock()
	if v.wsConn == nil {
		return
	}
	if err := v.wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Error(log.TraceMonitoring, "viewer write error", "err", err)
		v.wsConn.Close()
		v.wsConn = nil
	}
}

// Stop closes the client connection and shuts the server down.
func (v *Viewer) Stop() {
	v.connMu.Lock()
	if v.wsConn != nil {
		v.wsConn.Close()
		v.wsConn = nil
	}
	v.connMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = v.srv.Shutdown(ctx)
}
