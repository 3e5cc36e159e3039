package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-job-tracker/internal/job"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func wsTemplate(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/job/{id}"
}

func TestDialReadsFramesAndPeerClose(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/job/17", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URLTemplate: wsTemplate(srv), Token: "tok"})
	require.NoError(t, err)

	f, err := d.Dial(context.Background(), 17)
	require.NoError(t, err)
	defer f.Close()

	raw, err := f.ReadMessage()
	require.NoError(t, err)
	msg, err := job.ParseMessage(raw)
	require.NoError(t, err)
	require.True(t, msg.IsHeartbeat())

	_, err = f.ReadMessage()
	var ce *job.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.CloseGoingAway, ce.Code)
	require.Equal(t, "restart", ce.Reason)
	require.False(t, job.IsNormalClosure(err))
}

func TestCloseSendsNormalClosure(t *testing.T) {
	t.Parallel()

	codes := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			codes <- ce.Code
			return
		}
		codes <- -1
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URLTemplate: wsTemplate(srv)})
	require.NoError(t, err)
	f, err := d.Dial(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	require.NoError(t, f.Abort())

	select {
	case code := <-codes:
		require.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe a close frame")
	}
}

func TestAbortDropsConnection(t *testing.T) {
	t.Parallel()

	gotErr := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		gotErr <- err
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URLTemplate: wsTemplate(srv)})
	require.NoError(t, err)
	f, err := d.Dial(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	select {
	case err := <-gotErr:
		require.Error(t, err)
		require.True(t, websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure))
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe the dropped connection")
	}

	_, err = f.ReadMessage()
	require.Error(t, err)
}

func TestDialFailureIncludesStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown job", http.StatusNotFound)
	}))
	defer srv.Close()

	d, err := NewDialer(Config{URLTemplate: wsTemplate(srv)})
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "handshake status 404")
}

func TestNewDialerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDialer(Config{URLTemplate: "ws://localhost/ws/job"})
	require.Error(t, err)
	_, err = NewDialer(Config{URLTemplate: "http://localhost/ws/job/{id}"})
	require.Error(t, err)

	d, err := NewDialer(Config{URLTemplate: "wss://example.com/ws/job/{id}"})
	require.NoError(t, err)
	require.Equal(t, "wss://example.com/ws/job/123", d.URL(123))
}
