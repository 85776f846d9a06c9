package runner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/gate/runner/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const keepAlive = 30 * time.Second

// EventMessage is what /events writes for every stored event.
type EventMessage struct {
	Rkey      string          `json:"rkey"`
	Kind      string          `json:"kind"`
	Created   int64           `json:"created"`
	EventJson json.RawMessage `json:"event"`
}

func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	var cursor int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "cursor must be an integer")
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to wss", "cursor", cursor)

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchClose(conn, cancel)

	// complete backfill first before going to live data
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Debug("stopping stream: client closed connection")
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

// streamEvents drains every event after cursor, advancing it as it goes.
func (s *Server) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			msg := EventMessage{
				Rkey:      ev.Rkey,
				Kind:      ev.Kind,
				Created:   ev.Created,
				EventJson: json.RawMessage(ev.EventJson),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
			*cursor = ev.Created
		}
	}
}

// Logs streams the log file of one workflow, line by line. Finished
// workflows get their whole log followed by a close frame; running ones are
// followed until they finish.
func (s *Server) Logs(w http.ResponseWriter, r *http.Request) {
	rkey := chi.URLParam(r, "rkey")
	name := chi.URLParam(r, "name")
	l := s.l.With("handler", "Logs", "rkey", rkey, "workflow", name)

	run, err := s.db.GetRun(rkey)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such run")
		return
	} else if err != nil {
		l.Error("failed to get run", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	wid := models.WorkflowId{PipelineId: run.Id, Name: name}
	status, err := s.db.GetStatus(wid)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "no such workflow")
		return
	} else if err != nil {
		l.Error("failed to get status", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get status")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// subscribe before reading the status again so a finish in between is
	// not missed
	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go watchClose(conn, cancel)

	path := models.LogFilePath(s.cfg.Pipelines.LogDir, wid)
	finished := status.Status.IsFinish()
	if finished {
		if _, err := os.Stat(path); err != nil {
			closeNormal(conn, "no logs")
			return
		}
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    !finished,
		ReOpen:    !finished,
		MustExist: false,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log", "err", err)
		closeNormal(conn, "failed to read logs")
		return
	}
	defer func() {
		// the tail goroutine blocks on unread lines
		go func() {
			for range t.Lines {
			}
		}()
		_ = t.Stop()
		t.Cleanup()
	}()

	if !finished {
		go s.stopWhenFinished(ctx, l, wid, ch, t)
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				closeNormal(conn, "end of logs")
				return
			}
			if line.Err != nil {
				l.Error("failed to read log line", "err", line.Err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

// stopWhenFinished lets the tail drain to EOF once the workflow reaches a
// finish state.
func (s *Server) stopWhenFinished(ctx context.Context, l *slog.Logger, wid models.WorkflowId, ch <-chan struct{}, t *tail.Tail) {
	check := func() bool {
		st, err := s.db.GetStatus(wid)
		if err != nil {
			l.Error("failed to get status", "err", err)
			return false
		}
		return st.Status.IsFinish()
	}

	if !check() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
			}
			if check() {
				break
			}
		}
	}

	// blocks until the tail goroutine exits, which needs Lines drained
	_ = t.StopAtEOF()
}

func watchClose(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}

func closeNormal(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
