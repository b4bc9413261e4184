package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/database"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/aeolun/cipherchat/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const recvTimeout = 3 * time.Second

type testServer struct {
	srv   *Server
	addr  string // TCP host:port
	wsURL string // ws:// URL of the WebSocket endpoint
}

// startTestServer runs a server on a random port with a WebSocket endpoint
// served by httptest
func startTestServer(t *testing.T, mode Mode, auth Authenticator, files FileStore, mutate func(*ServerConfig)) *testServer {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.MetricsPort = 0
	config.Mode = mode
	config.Workers = 4
	config.DequeueTimeout = 20 * time.Millisecond
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config, auth, files)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	ws := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Stop()
		ws.Close()
	})

	port := srv.Addr().(*net.TCPAddr).Port
	return &testServer{
		srv:   srv,
		addr:  fmt.Sprintf("127.0.0.1:%d", port),
		wsURL: "ws" + strings.TrimPrefix(ws.URL, "http"),
	}
}

func (ts *testServer) chatClient(t *testing.T, identity string) *client.ChatClient {
	t.Helper()
	c, err := client.DialChat(ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	c.SetHardenedIV(ts.srv.config.ChatRandomIV)
	require.NoError(t, c.Connect(identity))
	return c
}

// receiveUntil reads messages until want arrives, skipping presence notices
func receiveUntil(t *testing.T, c *client.ChatClient, want string) {
	t.Helper()
	for {
		msg, err := c.Receive(recvTimeout)
		require.NoError(t, err, "waiting for %q", want)
		if msg == want {
			return
		}
		if strings.HasSuffix(msg, protocol.ChatJoinSuffix) || strings.HasSuffix(msg, protocol.ChatLeaveSuffix) {
			continue
		}
		t.Fatalf("expected %q, got %q", want, msg)
	}
}

func expectSilence(t *testing.T, c *client.ChatClient, d time.Duration) {
	t.Helper()
	msg, err := c.Receive(d)
	if err == nil {
		t.Fatalf("expected no message, got %q", msg)
	}
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

// ---------------------------------------------------------------------------
// Chat mode
// ---------------------------------------------------------------------------

func TestChatJoinRelayLeave(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	alice := ts.chatClient(t, "alice")
	receiveUntil(t, alice, "alice conectado")

	bob := ts.chatClient(t, "bob")
	receiveUntil(t, bob, "bob conectado")
	receiveUntil(t, alice, "bob conectado")

	require.NoError(t, alice.Send("hola"))
	receiveUntil(t, bob, "(alice): hola")
	expectSilence(t, alice, 100*time.Millisecond)

	require.NoError(t, bob.Send("que tal"))
	receiveUntil(t, alice, "(bob): que tal")

	bob.Close()
	receiveUntil(t, alice, "bob desconectado")
	require.Eventually(t, func() bool { return ts.srv.Registry().Count() == 1 }, recvTimeout, 10*time.Millisecond)
}

func TestChatMessagesKeepSenderOrder(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, func(c *ServerConfig) { c.Workers = 8 })

	alice := ts.chatClient(t, "alice")
	bob := ts.chatClient(t, "bob")
	receiveUntil(t, alice, "bob conectado")

	for i := 0; i < 50; i++ {
		require.NoError(t, alice.Send(fmt.Sprintf("m%02d", i)))
	}
	for i := 0; i < 50; i++ {
		receiveUntil(t, bob, fmt.Sprintf("(alice): m%02d", i))
	}
}

func TestChatMalformedMessageDropped(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	alice := ts.chatClient(t, "alice")
	bob := ts.chatClient(t, "bob")
	receiveUntil(t, alice, "bob conectado")

	// Decrypts to bytes that are not UTF-8 text
	garbage, err := crypto.EncryptChat([]byte{0xff, 0xfe, 0xfd}, alice.Key(), false)
	require.NoError(t, err)
	require.NoError(t, alice.SendRaw(garbage))

	// The connection survives and the next message still goes through
	require.NoError(t, alice.Send("still here"))
	receiveUntil(t, bob, "(alice): still here")
	assert.Equal(t, 2, ts.srv.Registry().Count())
}

func TestChatHardenedIVDropsShortFrame(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, func(c *ServerConfig) { c.ChatRandomIV = true })

	alice := ts.chatClient(t, "alice")
	bob := ts.chatClient(t, "bob")
	receiveUntil(t, alice, "bob conectado")

	// Shorter than an IV
	require.NoError(t, alice.SendRaw([]byte("short")))

	require.NoError(t, alice.Send("ok"))
	receiveUntil(t, bob, "(alice): ok")
}

func TestChatRejectsEmptyIdentity(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	watcher := ts.chatClient(t, "watcher")
	receiveUntil(t, watcher, "watcher conectado")

	c, err := client.DialChat(ts.addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Connect("   "))

	_, err = c.Receive(recvTimeout)
	assert.ErrorIs(t, err, io.EOF, "server should close the connection")

	expectSilence(t, watcher, 100*time.Millisecond)
	assert.Equal(t, 1, ts.srv.Registry().Count())
}

func TestChatRejectsBadWrappedKey(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	pemBytes, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "PUBLIC KEY")

	require.NoError(t, protocol.WriteFrame(conn, []byte("not a wrapped key")))

	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	_, err = protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, ts.srv.Registry().Count())
}

func TestChatRejectsShortAESKey(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	pemBytes, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	serverKey, err := crypto.ParseRSAPublicKeyPEM(pemBytes)
	require.NoError(t, err)

	// A valid AES-128 key, but chat sessions require AES-256
	short := make([]byte, 16)
	wrapped, err := crypto.WrapKey(serverKey, short)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, wrapped))

	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	_, err = protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, ts.srv.Registry().Count())

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		ts.srv.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `cipherchat_handshake_failures_total{reason="key_size"} 1`)
	}, recvTimeout, 10*time.Millisecond)
}

func TestChatIdentityKeptAsSent(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	watcher := ts.chatClient(t, "watcher")
	receiveUntil(t, watcher, "watcher conectado")

	padded := ts.chatClient(t, " Dr. Who ")
	receiveUntil(t, watcher, " Dr. Who  conectado")

	require.NoError(t, padded.Send("hello"))
	receiveUntil(t, watcher, "( Dr. Who ): hello")
}

func TestChatHandshakeTimeout(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, func(c *ServerConfig) { c.HandshakeTimeout = 100 * time.Millisecond })

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = protocol.ReadFrame(conn)
	require.NoError(t, err)

	// Never answer; the server gives up and closes
	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	_, err = protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestChatManyConcurrentClients(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)
	const n = 10

	clients := make([]*client.ChatClient, n)
	var g errgroup.Group
	for i := range clients {
		i := i
		g.Go(func() error {
			c, err := client.DialChat(ts.addr)
			if err != nil {
				return err
			}
			clients[i] = c
			return c.Connect(fmt.Sprintf("user%d", i))
		})
	}
	require.NoError(t, g.Wait())
	for _, c := range clients {
		c := c
		t.Cleanup(func() { c.Close() })
	}
	require.Eventually(t, func() bool { return ts.srv.Registry().Count() == n }, recvTimeout, 10*time.Millisecond)

	require.NoError(t, clients[0].Send("ping"))

	var recv errgroup.Group
	for _, c := range clients[1:] {
		c := c
		recv.Go(func() error {
			for {
				msg, err := c.Receive(recvTimeout)
				if err != nil {
					return err
				}
				if msg == "(user0): ping" {
					return nil
				}
			}
		})
	}
	require.NoError(t, recv.Wait())
}

func TestChatBroadcastSurvivesDeadClient(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	a := ts.chatClient(t, "a")
	b := ts.chatClient(t, "b")
	c := ts.chatClient(t, "c")
	receiveUntil(t, a, "c conectado")
	receiveUntil(t, c, "c conectado")

	b.Close()
	require.NoError(t, a.Send("anyone?"))
	receiveUntil(t, c, "(a): anyone?")
}

func TestChatOverWebSocket(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	ws, err := client.DialChat(ts.wsURL)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.Connect("websurfer"))
	receiveUntil(t, ws, "websurfer conectado")

	tcp := ts.chatClient(t, "tcpuser")
	receiveUntil(t, ws, "tcpuser conectado")

	require.NoError(t, tcp.Send("hello ws"))
	receiveUntil(t, ws, "(tcpuser): hello ws")

	require.NoError(t, ws.Send("hello tcp"))
	receiveUntil(t, tcp, "(websurfer): hello tcp")
}

func TestStopClosesClients(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	alice := ts.chatClient(t, "alice")
	receiveUntil(t, alice, "alice conectado")

	require.NoError(t, ts.srv.Stop())
	_, err := alice.Receive(recvTimeout)
	assert.Error(t, err)
	assert.Equal(t, 0, ts.srv.Registry().Count())

	_, err = net.DialTimeout("tcp", ts.addr, 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

// ---------------------------------------------------------------------------
// File mode
// ---------------------------------------------------------------------------

func newFileBackends(t *testing.T) (*database.Store, *storage.DiskStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := database.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	disk, err := storage.NewDiskStore(filepath.Join(dir, "files"))
	require.NoError(t, err)
	return store, disk
}

func startFileServer(t *testing.T, mutate func(*ServerConfig)) (*testServer, *database.Store) {
	t.Helper()
	store, disk := newFileBackends(t)
	return startTestServer(t, ModeFile, store, disk, mutate), store
}

func (ts *testServer) fileClient(t *testing.T) *client.FileClient {
	t.Helper()
	c, err := client.DialFile(ts.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (ts *testServer) login(t *testing.T, user, pass, method string, suite crypto.Suite) *client.FileClient {
	t.Helper()
	c := ts.fileClient(t)
	require.NoError(t, c.Login(user, pass))
	require.NoError(t, c.KeyExchange(method, suite))
	return c
}

func TestFileModeRequiresCollaborators(t *testing.T) {
	config := DefaultConfig()
	config.Mode = ModeFile
	_, err := NewServer(config, nil, nil)
	assert.Error(t, err)
}

func TestFileRegisterAndLogin(t *testing.T) {
	ts, store := startFileServer(t, nil)

	status, err := ts.fileClient(t).Register("alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, status)

	status, err = ts.fileClient(t).Register("alice", "other")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUsernameTaken, status)

	ok, err := store.Authenticate("alice", "pw")
	require.NoError(t, err)
	assert.True(t, ok)

	err = ts.fileClient(t).Login("alice", "wrong")
	assert.ErrorIs(t, err, client.ErrUnexpectedStatus)

	assert.NoError(t, ts.fileClient(t).Login("alice", "pw"))
}

func TestFileUnknownAuthAction(t *testing.T) {
	ts, _ := startFileServer(t, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteJSON(conn, protocol.AuthRequest{Action: "hack", Username: "x", Password: "y"}))
	var resp protocol.StatusResponse
	require.NoError(t, protocol.ReadJSON(conn, &resp))
	assert.Equal(t, protocol.StatusInvalidAction, resp.Status)

	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	_, err = protocol.ReadFrame(conn)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFileRoundTrip(t *testing.T) {
	ts, store := startFileServer(t, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	for _, method := range []string{protocol.MethodDH, protocol.MethodPKI} {
		for _, suite := range []crypto.Suite{crypto.AES, crypto.DES, crypto.Blowfish} {
			t.Run(method+"/"+suite.String(), func(t *testing.T) {
				c := ts.login(t, "alice", "pw", method, suite)
				assert.Len(t, c.Key(), suite.KeySize())

				name := fmt.Sprintf("%s-%s.txt", method, suite)
				require.NoError(t, c.Upload(name, []byte("hello")))

				data, err := c.Download(name)
				require.NoError(t, err)
				assert.Equal(t, []byte("hello"), data)

				names, err := c.List()
				require.NoError(t, err)
				assert.Contains(t, names, name)

				_, err = c.Download("missing.txt")
				assert.ErrorIs(t, err, client.ErrFileNotFound)
			})
		}
	}
}

func TestFileUsersAreIsolated(t *testing.T) {
	ts, store := startFileServer(t, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)
	_, err = store.CreateUser("bob", "pw")
	require.NoError(t, err)

	alice := ts.login(t, "alice", "pw", protocol.MethodDH, crypto.AES)
	require.NoError(t, alice.Upload("a.txt", []byte("secret")))

	bob := ts.login(t, "bob", "pw", protocol.MethodDH, crypto.AES)
	_, err = bob.Download("a.txt")
	assert.ErrorIs(t, err, client.ErrFileNotFound)

	names, err := bob.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFileAllowlists(t *testing.T) {
	ts, store := startFileServer(t, func(c *ServerConfig) {
		c.AllowedCiphers = []string{"AES"}
		c.AllowedMethods = []string{"DH"}
	})
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	c := ts.fileClient(t)
	require.NoError(t, c.Login("alice", "pw"))
	assert.ErrorIs(t, c.KeyExchange(protocol.MethodPKI, crypto.AES), client.ErrUnexpectedStatus)

	c = ts.fileClient(t)
	require.NoError(t, c.Login("alice", "pw"))
	assert.ErrorIs(t, c.KeyExchange(protocol.MethodDH, crypto.Blowfish), client.ErrUnexpectedStatus)

	c = ts.login(t, "alice", "pw", protocol.MethodDH, crypto.AES)
	assert.NoError(t, c.Upload("ok.txt", []byte("allowed")))
}

func TestFileUnknownMethodRejected(t *testing.T) {
	ts, store := startFileServer(t, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	c := ts.fileClient(t)
	require.NoError(t, c.Login("alice", "pw"))
	assert.ErrorIs(t, c.KeyExchange("RSA-PSK", crypto.AES), client.ErrUnexpectedStatus)
}

func TestFileBadRequestsKeepConnection(t *testing.T) {
	ts, store := startFileServer(t, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	c := ts.login(t, "alice", "pw", protocol.MethodPKI, crypto.AES)

	resp, err := c.SendEnvelope([]byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.NotEmpty(t, resp.Message)

	resp, err = c.Do(protocol.FileRequest{Action: "delete", Filename: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusInvalidAction, resp.Status)

	resp, err = c.Do(protocol.FileRequest{Action: protocol.ActionUpload, Filename: "../escape.txt", FileData: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, resp.Status)

	names, err := c.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

// fileRequestPayload seals req the way a client does and wraps it in an Envelope
func fileRequestPayload(t *testing.T, req protocol.FileRequest, key []byte, suite crypto.Suite) []byte {
	t.Helper()
	plaintext, err := json.Marshal(req)
	require.NoError(t, err)
	sealed, err := crypto.EncryptFile(plaintext, key, suite)
	require.NoError(t, err)
	payload, err := json.Marshal(protocol.Envelope{Data: sealed})
	require.NoError(t, err)
	return payload
}

func TestFileEmptyResultsKeepWireKeys(t *testing.T) {
	store, disk := newFileBackends(t)
	config := DefaultConfig()
	config.Mode = ModeFile
	srv, err := NewServer(config, store, disk)
	require.NoError(t, err)

	for _, backend := range []struct {
		name  string
		files FileStore
	}{
		{"disk", disk},
		{"sqlite", store},
	} {
		t.Run(backend.name, func(t *testing.T) {
			srv.files = backend.files
			serverEnd, clientEnd := net.Pipe()
			defer serverEnd.Close()
			defer clientEnd.Close()

			sess := newSession(1, NewSafeConn(serverEnd, 0))
			sess.Identity = "bob-" + backend.name
			sess.Suite = crypto.AES
			key, err := crypto.GenerateKey(crypto.AES)
			require.NoError(t, err)
			require.NoError(t, sess.SetKey(key))

			resp, _ := srv.fileAction(sess, fileRequestPayload(t, protocol.FileRequest{Action: protocol.ActionList}, key, crypto.AES))
			wire, err := json.Marshal(resp)
			require.NoError(t, err)
			assert.JSONEq(t, `{"status":"success","files":[]}`, string(wire))

			require.NoError(t, backend.files.Save(sess.Identity, "empty.txt", nil))
			resp, _ = srv.fileAction(sess, fileRequestPayload(t, protocol.FileRequest{Action: protocol.ActionDownload, Filename: "empty.txt"}, key, crypto.AES))
			wire, err = json.Marshal(resp)
			require.NoError(t, err)
			assert.JSONEq(t, `{"status":"success","file_data":""}`, string(wire))
		})
	}
}

func TestFileSQLiteBackend(t *testing.T) {
	store, _ := newFileBackends(t)
	ts := startTestServer(t, ModeFile, store, store, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	c := ts.login(t, "alice", "pw", protocol.MethodDH, crypto.Blowfish)
	payload := []byte(strings.Repeat("compress me ", 500))
	require.NoError(t, c.Upload("big.txt", payload))

	data, err := c.Download("big.txt")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFileOverWebSocket(t *testing.T) {
	ts, store := startFileServer(t, nil)
	_, err := store.CreateUser("alice", "pw")
	require.NoError(t, err)

	c, err := client.DialFile(ts.wsURL)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Login("alice", "pw"))
	require.NoError(t, c.KeyExchange(protocol.MethodDH, crypto.AES))
	require.NoError(t, c.Upload("a.txt", []byte("hello")))

	data, err := c.Download("a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

// ---------------------------------------------------------------------------
// Observability
// ---------------------------------------------------------------------------

func TestHealthAndMetrics(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	alice := ts.chatClient(t, "alice")
	receiveUntil(t, alice, "alice conectado")

	rec := httptest.NewRecorder()
	ts.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status         string `json:"status"`
		Mode           string `json:"mode"`
		ActiveSessions int    `json:"active_sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "chat", health.Mode)
	assert.Equal(t, 1, health.ActiveSessions)

	rec = httptest.NewRecorder()
	ts.srv.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "cipherchat_active_sessions 1")
	assert.Contains(t, body, "cipherchat_sessions_created_total 1")
	assert.Contains(t, body, `cipherchat_connections_accepted_total{transport="tcp"} 1`)
}

func TestHandshakeFailureMetric(t *testing.T) {
	ts := startTestServer(t, ModeChat, nil, nil, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	_, err = protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(conn, []byte("garbage")))
	conn.SetReadDeadline(time.Now().Add(recvTimeout))
	protocol.ReadFrame(conn)
	conn.Close()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		ts.srv.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return strings.Contains(rec.Body.String(), `cipherchat_handshake_failures_total{reason="unwrap"} 1`)
	}, recvTimeout, 10*time.Millisecond)
}
