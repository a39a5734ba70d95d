package onebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures frames instead of sending them.
type recordingWriter struct {
	mu     sync.Mutex
	frames []actionFrame
	err    error
}

func (w *recordingWriter) WriteFrame(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, v.(actionFrame))
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *recordingWriter) last() actionFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[len(w.frames)-1]
}

func okBody(data string) string {
	return `{"status":"ok","retcode":0,"data":` + data + `}`
}

func TestCall_HTTPIsNeverBypassed(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(okBody(`{"message_id":7}`)))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	id, err := client.SendPrivateMsg(context.Background(), 42, "hi")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "/send_private_msg", gotPath)

	// The open socket must not see any traffic.
	assert.Zero(t, socket.count())
}

func TestCall_HTTPBearerTokenAndBody(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(okBody(`null`)))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", "sekret")
	_, err := client.Call(context.Background(), "delete_msg", Params{"message_id": 5})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sekret", gotAuth)
	assert.Equal(t, float64(5), gotBody["message_id"])
}

func TestCall_HTTPProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","retcode":1400,"message":"bad request","wording":"参数错误"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.Call(context.Background(), "send_msg", nil)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, int64(1400), actionErr.RetCode)
	assert.Equal(t, "bad request", actionErr.Message)
}

func TestCall_HTTPNon2xxStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("nope"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	_, err := client.Call(context.Background(), "get_login_info", nil)

	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, int64(http.StatusForbidden), actionErr.RetCode)
}

func TestCall_NoTransport(t *testing.T) {
	client := NewClient("", "")
	_, err := client.Call(context.Background(), "get_login_info", nil)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestCallSocket_Correlation(t *testing.T) {
	client := NewClient("", "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = client.Call(context.Background(), "get_login_info", Params{})
	}()

	// Wait for the frame, answer with its echo.
	require.Eventually(t, func() bool { return socket.count() == 1 }, time.Second, 5*time.Millisecond)
	frame := socket.last()
	assert.Equal(t, "get_login_info", frame.Action)
	assert.NotEmpty(t, frame.Echo)

	client.HandleResponse(&ActionResponse{
		Status: "ok",
		Data:   json.RawMessage(`{"user_id":99}`),
		Echo:   frame.Echo,
	})

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"user_id":99}`, string(result))
	assert.Zero(t, client.PendingCount())
}

func TestCallSocket_EchoTokensAreUnique(t *testing.T) {
	client := NewClient("", "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			client.Call(ctx, "get_login_info", nil)
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, frame := range socket.frames {
		assert.False(t, seen[frame.Echo], "echo %s reused", frame.Echo)
		seen[frame.Echo] = true
	}
	assert.Len(t, seen, 5)
}

func TestCallSocket_TimeoutResolvesOnce(t *testing.T) {
	client := NewClient("", "", WithCallTimeout(30*time.Millisecond))
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	_, err := client.Call(context.Background(), "get_group_info", nil)
	require.ErrorIs(t, err, ErrActionTimeout)
	assert.NotErrorIs(t, err, ErrSocketClosed)
	assert.Zero(t, client.PendingCount())

	// A late response for the abandoned token must be discarded quietly.
	client.HandleResponse(&ActionResponse{Status: "ok", Echo: socket.last().Echo})
	assert.Zero(t, client.PendingCount())
}

func TestCallSocket_UnknownEchoIgnored(t *testing.T) {
	client := NewClient("", "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "get_login_info", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return socket.count() == 1 }, time.Second, 5*time.Millisecond)

	// Response carrying a token nobody issued: no effect on the table.
	client.HandleResponse(&ActionResponse{Status: "ok", Echo: "bogus-echo"})
	assert.Equal(t, 1, client.PendingCount())

	client.HandleResponse(&ActionResponse{Status: "ok", Echo: socket.last().Echo})
	require.NoError(t, <-done)
}

func TestCallSocket_ProtocolError(t *testing.T) {
	client := NewClient("", "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "delete_msg", Params{"message_id": 1})
		done <- err
	}()

	require.Eventually(t, func() bool { return socket.count() == 1 }, time.Second, 5*time.Millisecond)
	client.HandleResponse(&ActionResponse{
		Status:  "failed",
		RetCode: 100,
		Message: "no such message",
		Echo:    socket.last().Echo,
	})

	err := <-done
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, int64(100), actionErr.RetCode)
	assert.NotErrorIs(t, err, ErrActionTimeout)
}

func TestDetachSocket_FailsPendingCalls(t *testing.T) {
	client := NewClient("", "")
	socket := &recordingWriter{}
	client.AttachSocket(socket)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "get_login_info", nil)
		done <- err
	}()

	require.Eventually(t, func() bool { return socket.count() == 1 }, time.Second, 5*time.Millisecond)
	client.DetachSocket()

	assert.ErrorIs(t, <-done, ErrSocketClosed)
	assert.Zero(t, client.PendingCount())

	// With no socket attached the next call fails fast.
	_, err := client.Call(context.Background(), "get_login_info", nil)
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestCallSocket_WriteFailureCleansUp(t *testing.T) {
	client := NewClient("", "")
	client.AttachSocket(&recordingWriter{err: errors.New("broken pipe")})

	_, err := client.Call(context.Background(), "send_msg", nil)
	require.Error(t, err)
	assert.Zero(t, client.PendingCount())
}

func TestTypedWrappers_ParameterMapping(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]map[string]any{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		calls[r.URL.Path] = body
		mu.Unlock()

		switch r.URL.Path {
		case "/get_login_info":
			w.Write([]byte(okBody(`{"user_id":99,"nickname":"bridge"}`)))
		case "/get_stranger_info":
			w.Write([]byte(okBody(`{"user_id":10086,"nickname":"alice"}`)))
		case "/get_group_info":
			w.Write([]byte(okBody(`{"group_id":222,"group_name":"ops","member_count":3}`)))
		case "/get_group_file_url", "/get_private_file_url":
			w.Write([]byte(okBody(`{"url":"https://files.example/abc"}`)))
		default:
			w.Write([]byte(okBody(`{"message_id":1}`)))
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	ctx := context.Background()

	login, err := client.GetLoginInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(99), login.UserID)

	stranger, err := client.GetStrangerInfo(ctx, 10086)
	require.NoError(t, err)
	assert.Equal(t, "alice", stranger.Nickname)
	assert.Equal(t, float64(10086), calls["/get_stranger_info"]["user_id"])

	group, err := client.GetGroupInfo(ctx, 222)
	require.NoError(t, err)
	assert.Equal(t, "ops", group.GroupName)

	_, err = client.SendMsg(ctx, "group", 222, "hello")
	require.NoError(t, err)
	assert.Equal(t, "group", calls["/send_msg"]["message_type"])
	assert.Equal(t, float64(222), calls["/send_msg"]["group_id"])

	_, err = client.SendMsg(ctx, "private", 42, "hello")
	require.NoError(t, err)
	assert.Equal(t, float64(42), calls["/send_msg"]["user_id"])

	require.NoError(t, client.DeleteMsg(ctx, 12345))
	assert.Equal(t, float64(12345), calls["/delete_msg"]["message_id"])

	url, err := client.GetGroupFileURL(ctx, 222, "file-id", 102)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/abc", url)
	assert.Equal(t, float64(102), calls["/get_group_file_url"]["busid"])

	url, err = client.GetPrivateFileURL(ctx, 42, "file-id", "hash")
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/abc", url)
	assert.Equal(t, "hash", calls["/get_private_file_url"]["file_hash"])
}
