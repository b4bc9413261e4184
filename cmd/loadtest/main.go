package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/crypto"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test counters
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	decryptFailures   atomic.Int64
	connectionErrors  atomic.Int64
	handshakeErrors   atomic.Int64
	successfulClients atomic.Int64
	totalHandshakeUs  atomic.Int64
}

func (s *Stats) snapshot() (sent, failed, received, connErrors int64, avgHandshakeUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	connErrors = s.connectionErrors.Load() + s.handshakeErrors.Load()
	if ok := s.successfulClients.Load(); ok > 0 {
		avgHandshakeUs = float64(s.totalHandshakeUs.Load()) / float64(ok)
	}
	return
}

// BotClient is one simulated chat participant
type BotClient struct {
	id       int
	identity string
	conn     *client.ChatClient
	stats    *Stats
}

func NewBotClient(id int, serverAddr string, hardened bool, stats *Stats) (*BotClient, error) {
	conn, err := client.DialChat(serverAddr)
	if err != nil {
		return nil, err
	}
	conn.SetHardenedIV(hardened)
	conn.SetLogger(debugLogger)
	return &BotClient{
		id:       id,
		identity: fmt.Sprintf("bot%04d", id),
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) Connect() error {
	start := time.Now()
	if err := bc.conn.Connect(bc.identity); err != nil {
		return err
	}
	bc.stats.totalHandshakeUs.Add(time.Since(start).Microseconds())
	return nil
}

func randomMessage() string {
	n := 3 + rand.Intn(10)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// receiveLoop counts relayed messages until the connection closes
func (bc *BotClient) receiveLoop(done <-chan struct{}) {
	for {
		_, err := bc.conn.Receive(0)
		if errors.Is(err, crypto.ErrCrypto) {
			bc.stats.decryptFailures.Add(1)
			continue
		}
		if err != nil {
			select {
			case <-done:
			default:
				debugLogger.Printf("[Bot %d] receive stopped: %v", bc.id, err)
			}
			return
		}
		bc.stats.messagesReceived.Add(1)
	}
}

// Run sends random messages until duration elapses or stop is closed,
// then lingers for shutdownDelay (also cut short by stop) and disconnects.
func (bc *BotClient) Run(stop <-chan struct{}, duration, minDelay, maxDelay, shutdownDelay time.Duration) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bc.receiveLoop(done)
	}()

	defer func() {
		close(done)
		bc.conn.Close()
		wg.Wait()
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if err := bc.conn.Send(randomMessage()); err != nil {
			bc.stats.messagesFailed.Add(1)
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
			return
		}
		bc.stats.messagesSent.Add(1)

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		if !sleep(stop, delay) {
			return
		}
	}

	// Stagger shutdown to avoid thundering herd on disconnect
	if shutdownDelay > 0 {
		sleep(stop, shutdownDelay)
	}
}

// sleep waits for d and reports false if stop closed first
func sleep(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stop:
		return false
	}
}

var debugLogger *log.Logger

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:5000", "Chat server address (host:port or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	hardened := flag.Bool("random-iv", false, "Use random-IV chat mode (server chat_random_iv)")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	stats := &Stats{}
	var wg sync.WaitGroup

	// Closed on SIGINT/SIGTERM; bots and the ramp-up loop watch it
	stopBots := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		close(stopBots)
	}()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				sent, failed, received, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, %d conn errors, avg handshake %.2fms, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, connErrors, avgUs/1000.0, runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	started := time.Now()
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			bot, err := NewBotClient(id, *serverAddr, *hardened, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] dial failed: %v", id, err)
				return
			}
			if err := bot.Connect(); err != nil {
				stats.handshakeErrors.Add(1)
				debugLogger.Printf("[Bot %d] handshake failed: %v", id, err)
				bot.conn.Close()
				return
			}
			stats.successfulClients.Add(1)

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}
			bot.Run(stopBots, *duration, *minDelay, *maxDelay, shutdownDelay)
		}(i, shutdownDelay)

		if !sleep(stopBots, staggerDelay) {
			log.Printf("Ramp-up interrupted after %d clients", i+1)
			break
		}
	}

	wg.Wait()
	close(stopStats)
	elapsed := time.Since(started)

	sent, failed, received, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	// Every message fans out to every other connected client
	expectedReceived := sent * max(successfulClients-1, 0)

	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful", *numClients, successfulClients)
	log.Printf("Messages sent: %d (%.1f/s over %v)", sent, float64(sent)/elapsed.Seconds(), elapsed.Round(time.Millisecond))
	log.Printf("Messages failed: %d", failed)
	log.Printf("Messages received: %d (upper bound %d)", received, expectedReceived)
	log.Printf("Decrypt failures: %d", stats.decryptFailures.Load())
	log.Printf("Connection errors: %d (dial %d, handshake %d)", connErrors, stats.connectionErrors.Load(), stats.handshakeErrors.Load())
	log.Printf("Average handshake time: %.2fms", avgUs/1000.0)
}
