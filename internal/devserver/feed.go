package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

const writeWait = 5 * time.Second

// watcher is one live feed connection. Only its serving goroutine writes.
type watcher struct {
	conn  *websocket.Conn
	ch    chan job.ProgressMessage
	gone  chan struct{}
	once  sync.Once
	jobID int64
}

func (w *watcher) markGone() {
	w.once.Do(func() { close(w.gone) })
}

func (s *Server) serveFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.Get(id); err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("feed upgrade failed", zap.Int64("job_id", id), zap.Error(err))
		return
	}

	wt := &watcher{
		conn:  conn,
		ch:    make(chan job.ProgressMessage, watcherBuffer),
		gone:  make(chan struct{}),
		jobID: id,
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.watch(wt)
	defer s.unwatch(wt)
	defer conn.Close()

	go s.readLoop(wt)
	if last, ok := s.store.Last(id); ok {
		wt.ch <- last
	}
	s.writeLoop(wt)
}

// readLoop consumes control frames so close handshakes are answered and
// marks the watcher gone once the peer disconnects.
func (s *Server) readLoop(wt *watcher) {
	defer wt.markGone()
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			s.logger.Debug("feed reader exited", zap.Int64("job_id", wt.jobID), zap.Error(err))
			return
		}
	}
}

func (s *Server) writeLoop(wt *watcher) {
	logger := s.logger.With(zap.Int64("job_id", wt.jobID))
	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	var grace <-chan time.Time

	for {
		select {
		case <-wt.gone:
			return
		case <-s.ctx.Done():
			s.writeClose(wt, websocket.CloseGoingAway, "server shutting down")
			return
		case <-grace:
			logger.Debug("closing finished feed")
			s.writeClose(wt, websocket.CloseNormalClosure, "job finished")
			return
		case <-heartbeat.C:
			if err := s.writeFrame(wt, job.ProgressMessage{Type: job.TypeHeartbeat}); err != nil {
				logger.Debug("heartbeat write failed", zap.Error(err))
				return
			}
		case msg := <-wt.ch:
			if err := s.writeFrame(wt, msg); err != nil {
				logger.Debug("progress write failed", zap.Error(err))
				return
			}
			if msg.Terminal() && grace == nil {
				grace = time.After(s.opts.CloseGrace)
			}
		}
	}
}

func (s *Server) writeFrame(wt *watcher, msg job.ProgressMessage) error {
	if err := wt.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wt.conn.WriteJSON(msg)
}

func (s *Server) writeClose(wt *watcher, code int, text string) {
	payload := websocket.FormatCloseMessage(code, text)
	if err := wt.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait)); err != nil {
		return
	}
	select {
	case <-wt.gone:
	case <-time.After(writeWait):
	}
}

func (s *Server) watch(wt *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.watchers[wt.jobID]
	if !ok {
		set = make(map[*watcher]struct{})
		s.watchers[wt.jobID] = set
	}
	set[wt] = struct{}{}
}

func (s *Server) unwatch(wt *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.watchers[wt.jobID]
	delete(set, wt)
	if len(set) == 0 {
		delete(s.watchers, wt.jobID)
	}
}

// broadcast offers msg to every feed of id. A feed whose buffer is full
// misses the frame.
func (s *Server) broadcast(id int64, msg job.ProgressMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wt := range s.watchers[id] {
		select {
		case wt.ch <- msg:
		default:
			s.logger.Warn("feed buffer full, frame dropped", zap.Int64("job_id", id), zap.String("stage", string(msg.Stage)))
		}
	}
}

// Watchers reports how many live feeds are open for id.
func (s *Server) Watchers(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers[id])
}

// Disconnect drops every live feed of id without a closing handshake, the
// way a network failure would. It returns the number of feeds dropped.
func (s *Server) Disconnect(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for wt := range s.watchers[id] {
		_ = wt.conn.UnderlyingConn().Close()
		n++
	}
	return n
}
