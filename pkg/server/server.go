package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/cipherchat/pkg/crypto"
	"github.com/aeolun/cipherchat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Mode selects the protocol variant a server speaks
type Mode string

const (
	// ModeChat: RSA-wrapped AES key, identity, then broadcast chat
	ModeChat Mode = "chat"
	// ModeFile: cleartext login, DH or PKI key exchange, then file actions
	ModeFile Mode = "file"
)

// ParseMode maps a config value to a Mode
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeChat:
		return ModeChat, nil
	case ModeFile:
		return ModeFile, nil
	default:
		return "", fmt.Errorf("unknown server mode %q (want chat or file)", s)
	}
}

// Server accepts connections, runs handshakes and dispatches inbound
// messages over a fixed worker pool
type Server struct {
	config     ServerConfig
	listener   net.Listener
	httpMu     sync.Mutex
	httpSrvs   []*http.Server
	registry   *Registry
	queue      *TaskQueue
	dispatcher *Dispatcher
	metrics    *Metrics
	auth       Authenticator
	files      FileStore

	rsaKey         *rsa.PrivateKey
	rsaPublicPEM   []byte
	allowedCiphers map[crypto.Suite]bool
	allowedMethods map[string]bool

	// Serializes registration and departure with their presence notices
	presenceMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort     int
	WSPort      int // 0 = disabled
	MetricsPort int // 0 = disabled
	Mode        Mode
	DataDir     string // empty = keep the current loggers

	Workers        int
	QueueCapacity  int // 0 = unbounded
	Backpressure   Backpressure
	DequeueTimeout time.Duration

	RSAKeyBits       int
	ChatRandomIV     bool
	AllowedCiphers   []string // empty = any
	AllowedMethods   []string // empty = any
	MaxFrameSize     int      // 0 = unlimited
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration // per outbound frame, 0 = none
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        5000,
		WSPort:         0,
		MetricsPort:    9090,
		Mode:           ModeChat,
		Workers:        10,
		QueueCapacity:  0,
		Backpressure:   BackpressureGrow,
		DequeueTimeout: 500 * time.Millisecond,
		RSAKeyBits:     crypto.DefaultRSABits,
		WriteTimeout:   10 * time.Second,
	}
}

// NewServer creates a new server instance. auth and files are required in
// file mode and ignored in chat mode.
func NewServer(config ServerConfig, auth Authenticator, files FileStore) (*Server, error) {
	if config.Mode == "" {
		config.Mode = ModeChat
	}
	if config.Mode == ModeFile && (auth == nil || files == nil) {
		return nil, errors.New("file mode needs an authenticator and a file store")
	}

	allowedCiphers := make(map[crypto.Suite]bool)
	for _, name := range config.AllowedCiphers {
		suite, err := crypto.ParseSuite(name)
		if err != nil {
			return nil, fmt.Errorf("allowed_ciphers: %w", err)
		}
		allowedCiphers[suite] = true
	}
	allowedMethods := make(map[string]bool)
	for _, name := range config.AllowedMethods {
		method := strings.ToUpper(strings.TrimSpace(name))
		if method != protocol.MethodDH && method != protocol.MethodPKI {
			return nil, fmt.Errorf("allowed_methods: unknown method %q", name)
		}
		allowedMethods[method] = true
	}

	// Initialize loggers
	if config.DataDir != "" {
		if err := initLoggers(config.DataDir); err != nil {
			return nil, fmt.Errorf("failed to initialize loggers: %w", err)
		}
	}

	rsaKey, err := crypto.GenerateRSAKey(config.RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server key: %w", err)
	}
	rsaPublicPEM, err := crypto.MarshalPublicKeyPEM(&rsaKey.PublicKey)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	registry.SetMetrics(metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:         config,
		registry:       registry,
		queue:          NewTaskQueue(config.QueueCapacity, config.Backpressure),
		metrics:        metrics,
		auth:           auth,
		files:          files,
		rsaKey:         rsaKey,
		rsaPublicPEM:   rsaPublicPEM,
		allowedCiphers: allowedCiphers,
		allowedMethods: allowedMethods,
		ctx:            ctx,
		cancel:         cancel,
		shutdown:       make(chan struct{}),
		startTime:      time.Now(),
	}
	s.dispatcher = NewDispatcher(s.queue, s, config.Workers, config.DequeueTimeout)
	s.dispatcher.SetMetrics(metrics)

	return s, nil
}

// initLoggers sets up error and debug loggers under dataDir
func initLoggers(dataDir string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log to stdout and server.log
	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	if s.config.DataDir == "" {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
		return
	}

	// Create/truncate debug.log
	debugLogPath := filepath.Join(s.config.DataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the TCP listener, starts the worker pool and the optional
// HTTP endpoints
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)

	// Use ListenConfig to enable SO_REUSEADDR
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("%s server listening on %s (%d workers)", s.config.Mode, listener.Addr(), s.config.Workers)

	s.dispatcher.Start()

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.serveHTTP(fmt.Sprintf(":%d", s.config.MetricsPort), metricsMux, "Metrics server (/metrics, /health) - INTERNAL ONLY")
	}

	// WebSocket transport carrying the same framed stream
	if s.config.WSPort > 0 {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("/ws", s.HandleWebSocket)
		s.serveHTTP(fmt.Sprintf(":%d", s.config.WSPort), wsMux, "WebSocket server (/ws)")
	}

	// Start metrics logging goroutine (log metrics every 5 seconds)
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(addr string, handler http.Handler, name string) {
	srv := &http.Server{Addr: addr, Handler: handler}
	s.httpMu.Lock()
	s.httpSrvs = append(s.httpSrvs, srv)
	s.httpMu.Unlock()

	go func() {
		log.Printf("%s listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("%s error: %v", name, err)
		}
	}()
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry returns the session registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// HealthHandler reports liveness and a few counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status         string `json:"status"`
		Mode           Mode   `json:"mode"`
		ActiveSessions int    `json:"active_sessions"`
		QueueDepth     int    `json:"queue_depth"`
		UptimeSeconds  int64  `json:"uptime_seconds"`
	}{
		Status:         "ok",
		Mode:           s.config.Mode,
		ActiveSessions: s.registry.Count(),
		QueueDepth:     s.queue.Len(),
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
	}
	if !s.dispatcher.Running() {
		status.Status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// Stop gracefully stops the server. In-flight tasks finish; queued ones
// are discarded and every connection is closed.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")

		// Signal shutdown to all goroutines
		close(s.shutdown)
		s.cancel()

		// Stop accepting new connections
		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}
		s.httpMu.Lock()
		for _, srv := range s.httpSrvs {
			srv.Close()
		}
		s.httpMu.Unlock()

		// Closing sessions unblocks receive loops, handshakes and workers
		// waiting for their turn
		closed := s.registry.CloseAll()
		log.Printf("Closed %d client sessions", len(closed))

		log.Println("Waiting for workers to finish...")
		s.dispatcher.Stop()

		s.wg.Wait()
		log.Println("Graceful shutdown complete")
	})
	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		s.accept(conn, "tcp")
	}
}

// accept hands a new connection to the worker pool as a TaskNewConnection
func (s *Server) accept(conn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.connectionsSinceReport.Add(1)
	if s.metrics != nil {
		s.metrics.RecordConnectionAccepted(transport)
	}
	debugLog.Printf("New %s connection from %s", transport, conn.RemoteAddr())

	if err := s.dispatcher.Submit(s.ctx, Task{Kind: TaskNewConnection, Conn: conn}); err != nil {
		log.Printf("Rejecting connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
	}
}

// HandleTask implements TaskHandler
func (s *Server) HandleTask(task Task) {
	switch task.Kind {
	case TaskNewConnection:
		s.handleNewConnection(task.Conn)
	case TaskInboundMessage:
		s.handleInbound(task)
	default:
		errorLog.Printf("Unknown task kind %d", task.Kind)
	}
}

// DiscardTask implements TaskHandler
func (s *Server) DiscardTask(task Task) {
	if task.Kind == TaskNewConnection && task.Conn != nil {
		task.Conn.Close()
	}
}

// handleNewConnection runs the handshake inside the worker, registers the
// session and spawns its receive loop
func (s *Server) handleNewConnection(conn net.Conn) {
	sess, err := s.registry.NewSession(conn, s.config.MaxFrameSize)
	if err != nil {
		conn.Close()
		return
	}
	sess.Conn.SetWriteTimeout(s.config.WriteTimeout)

	start := time.Now()
	if err := s.runHandshake(sess); err != nil {
		s.registry.Discard(sess)
		if errors.Is(err, errRegistrationComplete) {
			debugLog.Printf("Session %d: closed after registration", sess.ID)
			return
		}
		log.Printf("Session %d: %v", sess.ID, err)
		return
	}
	debugLog.Printf("Session %d: handshake took %v", sess.ID, time.Since(start))

	if err := s.join(sess); err != nil {
		s.registry.Discard(sess)
		log.Printf("Session %d: %v", sess.ID, err)
		return
	}

	s.wg.Add(1)
	go s.receiveLoop(sess)
}

// receiveLoop reads frames off an established connection and enqueues
// them in read order. It never decrypts; interpretation is the worker's job.
func (s *Server) receiveLoop(sess *Session) {
	defer s.wg.Done()
	defer s.removeSession(sess.ID)

	for {
		payload, err := sess.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || sess.Conn.Closed() {
				debugLog.Printf("Session %d: Client disconnected", sess.ID)
			} else {
				log.Printf("Session %d: read error: %v", sess.ID, err)
			}
			return
		}

		task := Task{
			Kind:      TaskInboundMessage,
			SessionID: sess.ID,
			Payload:   payload,
			Seq:       sess.recvSeq,
		}
		if err := s.dispatcher.Submit(s.ctx, task); err != nil {
			if errors.Is(err, ErrQueueFull) {
				errorLog.Printf("Session %d: queue full, dropped %d-byte message", sess.ID, len(payload))
				continue
			}
			return
		}
		sess.recvSeq++
	}
}

// handleInbound processes one inbound frame once every earlier frame from
// the same session has been processed
func (s *Server) handleInbound(task Task) {
	sess, ok := s.registry.Get(task.SessionID)
	if !ok {
		return
	}
	if !sess.waitTurn(task.Seq) {
		return
	}
	defer sess.finishTurn()

	switch s.config.Mode {
	case ModeFile:
		s.handleFileRequest(sess, task.Payload)
	default:
		s.handleChatMessage(sess, task.Payload)
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 {
				continue
			}

			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, queue depth: %d, goroutines: %d",
				s.registry.Count(), connected, disconnected, s.queue.Len(), runtime.NumGoroutine())
		}
	}
}
