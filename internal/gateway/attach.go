package gateway

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// handleAttachWS proxies interactive I/O against a running task's PTY
// session: bytes read from the session's master descriptor are
// forwarded as WS text frames, and WS text frames received from the
// client are written to the session's stdin via Manager.Send (spec
// §4.E's attach/send pair).
func (s *Server) handleAttachWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimPrefix(r.URL.Path, "/ws/attach/")
	if taskID == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	master, err := s.manager.Attach(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("gateway: ws accept failed", "task_id", taskID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	done := make(chan struct{})

	go func() {
		defer close(done)
		reader := bufio.NewReader(master)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				werr := conn.Write(writeCtx, websocket.MessageText, buf[:n])
				cancel()
				if werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if err := s.manager.Send(taskID, string(data)); err != nil {
			s.logger.Error("gateway: send to task failed", "task_id", taskID, "error", err)
			break
		}
	}

	<-done
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
