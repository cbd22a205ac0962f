package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatserver/internal/adminhttp"
	"chatserver/internal/auth"
	"chatserver/internal/config"
	"chatserver/internal/hub"
	"chatserver/internal/metrics"
	"chatserver/internal/protocol"
	"chatserver/internal/ratelimit"
	"chatserver/internal/room"
	"chatserver/internal/session"
	"chatserver/internal/store"
)

const (
	sessionRateLimit = 5.0 // commands per second
	sessionBurst     = 10
	connRateLimit    = 3.0 // new connections per second per address
	connBurst        = 10
	resumeTokenTTL   = 24 * time.Hour
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	sessions := session.NewRegistry()
	rooms := room.NewRegistry()
	tokens := auth.NewTokenService(cfg.ResumeSecret, resumeTokenTTL)
	m := metrics.New()

	dispatcher := hub.New(sessions, rooms, st, tokens, m, hub.Config{
		HistorySize:  cfg.HistorySize,
		CleanupDelay: cfg.CleanupDelay,
		ResumeTTL:    resumeTokenTTL,
	})
	go dispatcher.Run(ctx)

	admin := adminhttp.New(m, rooms)
	go func() {
		if err := admin.Start(cfg.AdminAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin http server stopped: %v", err)
		}
	}()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.ListenAddr, err)
	}
	log.Printf("chat server listening on %s", cfg.ListenAddr)

	limiter := ratelimit.New(connRateLimit, connBurst)
	go sweepPeriodically(ctx, limiter, time.Minute)

	go acceptLoop(ctx, listener, dispatcher, sessions, m, limiter)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	cancel()
	listener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin http shutdown: %v", err)
	}

	log.Println("server stopped")
}

func sweepPeriodically(ctx context.Context, limiter *ratelimit.IPLimiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			limiter.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// acceptLoop is the connection multiplexer: it drives the listener's
// netpoller-backed Accept loop and hands each connection its own
// goroutine, the idiomatic Go equivalent of multiplexing many sockets
// over a small OS thread pool.
func acceptLoop(ctx context.Context, listener net.Listener, dispatcher *hub.Dispatcher, sessions *session.Registry, m *metrics.Metrics, limiter *ratelimit.IPLimiter) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Printf("accept error: %v", err)
			continue
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !limiter.Allow(host) {
			conn.Close()
			continue
		}

		m.ConnectionAccepted()
		sess := session.New(conn, sessionBurst, sessionRateLimit)
		sessions.Add(sess)

		go serveConn(ctx, sess, dispatcher, m)
	}
}

// serveConn owns one connection end-to-end: decode, rate-limit, dispatch,
// and guaranteed cleanup on exit.
func serveConn(ctx context.Context, sess *session.Session, dispatcher *hub.Dispatcher, m *metrics.Metrics) {
	defer func() {
		dispatcher.Disconnect(sess)
		sess.Conn.Close()
		m.ConnectionClosed()
	}()

	if err := sess.Send(protocol.Render(protocol.TagWelcome, "Chat Server")); err != nil {
		return
	}

	reader := protocol.NewReader(bufio.NewReaderSize(sess.Conn, protocol.MaxLineSize))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		if line.Kind == protocol.KindEmpty {
			continue
		}

		if !sess.Limiter.Allow() {
			_ = sess.Send(protocol.RenderError("rate limit exceeded, slow down"))
			continue
		}

		dispatcher.HandleLine(sess, line)
	}
}
