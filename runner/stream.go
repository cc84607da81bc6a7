package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/tangled.sh/loom/runner/db"
	"tangled.sh/tangled.sh/loom/runner/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

const keepaliveInterval = 30 * time.Second

// Events streams status events: everything after ?cursor= first, then live.
func (s *Loom) Events(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Events")

	var cursor int64
	if v := r.URL.Query().Get("cursor"); v != "" {
		c, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid cursor"))
			return
		}
		cursor = c
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Debug("upgraded http to ws")

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// complete backfill first before going to live data
	if err := s.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

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
		case <-time.After(keepaliveInterval):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

// streamEvents writes every event after cursor, a page at a time, and
// advances cursor past what was written.
func (s *Loom) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		events, err := s.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		if len(events) < 100 {
			return nil
		}
	}
}

// Logs streams an instance's log file one JSON line per message. The log
// of a finished instance is sent whole; a live one is followed until the
// instance reaches a terminal status.
func (s *Loom) Logs(w http.ResponseWriter, r *http.Request) {
	l := s.l.With("handler", "Logs")

	rkey := chi.URLParam(r, "rkey")
	instance, err := url.PathUnescape(chi.URLParam(r, "instance"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid instance"))
		return
	}

	wf, err := s.db.RunWorkflow(rkey)
	if errors.Is(err, db.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		l.Error("failed to look up run", "rkey", rkey, "err", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to look up run"))
		return
	}

	iid := models.InstanceId{
		RunId: models.RunId{Rkey: rkey, Workflow: wf},
		Name:  instance,
	}
	status, err := s.db.GetStatus(iid)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no such instance: %s", instance))
		return
	}

	finished := models.StatusKind(status.Status).IsFinish()
	path := models.LogFilePath(s.cfg.Runner.LogDir, iid)
	if finished {
		if _, err := os.Stat(path); err != nil {
			// cancelled before it started, or failed before the first step
			writeError(w, http.StatusNotFound, errors.New("instance has no log"))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	if err := s.streamLog(ctx, conn, iid, path, finished); err != nil {
		l.Error("log stream ended", "instance", iid.String(), "err", err)
		return
	}

	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "log stream complete"),
		time.Now().Add(time.Second),
	)
}

func (s *Loom) streamLog(ctx context.Context, conn *websocket.Conn, iid models.InstanceId, path string, finished bool) error {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    !finished,
		ReOpen:    !finished,
		MustExist: finished,
		Location:  &tail.SeekInfo{Offset: 0, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tailing log: %w", err)
	}
	defer func() {
		// the tailer blocks on Lines until someone reads it
		go func() {
			for range t.Lines {
			}
		}()
		t.Stop()
	}()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	// drain what is left once the instance is terminal
	checkFinished := func() {
		if finished {
			return
		}
		if status, err := s.db.GetStatus(iid); err == nil && models.StatusKind(status.Status).IsFinish() {
			finished = true
			go t.StopAtEOF()
		}
	}
	checkFinished()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			checkFinished()
		case line, ok := <-t.Lines:
			if !ok || line == nil {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				return err
			}
		}
	}
}

// readUntilClosed discards client messages and cancels once the client goes away.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}
