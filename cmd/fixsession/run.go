package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/risa-org/fixsession/admin"
	"github.com/risa-org/fixsession/config"
	"github.com/risa-org/fixsession/fix"
	"github.com/risa-org/fixsession/logger"
	"github.com/risa-org/fixsession/session"
	"github.com/risa-org/fixsession/store"
	"github.com/risa-org/fixsession/transport"
	"github.com/risa-org/fixsession/transport/tcp"
	"github.com/risa-org/fixsession/transport/websocket"
)

// logoutGrace bounds how long a shutdown waits for the peer to confirm our
// Logout before closing anyway.
const logoutGrace = 5 * time.Second

// runner drives one counterparty pair for the life of the process: it
// builds a session per connection and keeps them on the same store.
type runner struct {
	cfg     config.Config
	headers []fix.Field
	store   store.MessageStore
	admin   *admin.Server
	log     logger.Logger

	// one connection at a time; an acceptor turns away a second peer
	busy *semaphore.Weighted
}

func newRunner(cfg config.Config, st store.MessageStore, adm *admin.Server, log logger.Logger) (*runner, error) {
	headers, err := cfg.ExtraHeaderFields()
	if err != nil {
		return nil, err
	}
	return &runner{
		cfg:     cfg,
		headers: headers,
		store:   st,
		admin:   adm,
		log:     log,
		busy:    semaphore.NewWeighted(1),
	}, nil
}

// Run blocks until ctx is done.
func (r *runner) Run(ctx context.Context) error {
	if r.cfg.Role == config.RoleAcceptor {
		if r.cfg.Transport == config.TransportWebSocket {
			return r.acceptWebSocket(ctx)
		}
		return r.acceptTCP(ctx)
	}
	return r.initiate(ctx)
}

// initiate dials, runs a session, and redials with backoff when it ends.
func (r *runner) initiate(ctx context.Context) error {
	b := backoff{
		Initial:    r.cfg.ReconnectInitial,
		Multiplier: 2,
		Max:        r.cfg.ReconnectMax,
		Jitter:     true,
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; ; attempt++ {
		t, err := dialer(r.cfg)
		if err != nil {
			return err
		}
		err = r.serve(ctx, t, true)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errLoggedOn) {
			// the connection got as far as a logon, so start the backoff over
			attempt = 1
		}
		delay := b.next(attempt, rng)
		r.log.Warn("session ended, reconnecting",
			logger.Err(err),
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "delay", Value: delay.String()})

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (r *runner) acceptTCP(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", r.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.cfg.Address, err)
	}
	r.log.Info("accepting", logger.Field{Key: "addr", Value: ln.Addr().String()})
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !r.busy.TryAcquire(1) {
			r.log.Warn("refused second connection", logger.Field{Key: "remote", Value: conn.RemoteAddr().String()})
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.busy.Release(1)
			r.logEnd(r.serve(ctx, tcp.New(conn), false))
		}()
	}
}

func (r *runner) acceptWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/fix", func(w http.ResponseWriter, req *http.Request) {
		if !r.busy.TryAcquire(1) {
			http.Error(w, "session in use", http.StatusConflict)
			return
		}
		defer r.busy.Release(1)
		t, err := websocket.Accept(w, req)
		if err != nil {
			r.log.Warn("websocket accept failed", logger.Err(err))
			return
		}
		r.logEnd(r.serve(ctx, t, false))
	})

	srv := &http.Server{Addr: r.cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	r.log.Info("accepting websocket", logger.Field{Key: "addr", Value: r.cfg.Address}, logger.Field{Key: "path", Value: "/fix"})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *runner) logEnd(err error) {
	if err != nil && !errors.Is(err, errLoggedOn) {
		r.log.Warn("session ended", logger.Err(err))
		return
	}
	r.log.Info("session ended")
}

// errLoggedOn wraps the end of a session that completed a logon.
var errLoggedOn = errors.New("session ended after logon")

// serve runs one session over t until it closes or ctx is done.
func (r *runner) serve(ctx context.Context, t transport.Adapter, initiator bool) error {
	s, err := session.New(session.Config{
		Identity:     r.cfg.Identity(),
		HeartBtInt:   r.cfg.HeartbeatInterval,
		ExtraHeaders: r.headers,
		Address:      r.cfg.Address,
		Store:        r.store,
		Transport:    t,
		Logger:       r.log,
		OnDisconnect: func(ev transport.DisconnectEvent) {
			r.log.Info("transport closed",
				logger.Field{Key: "reason", Value: ev.Reason.String()},
				logger.Field{Key: "cause", Value: ev.Err})
		},
	})
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer s.Close()

	if r.admin != nil {
		r.admin.Track(s)
		defer r.admin.Track(nil)
	}

	if initiator {
		if err := s.Logon(ctx, r.cfg.ResetOnLogon); err != nil {
			return err
		}
	}

	err = r.receiveLoop(ctx, s)
	if ctx.Err() != nil {
		r.shutdown(s)
		return nil
	}
	return err
}

// receiveLoop reads until the session closes. A silent peer gets one
// TestRequest; if it stays silent for another interval the session is
// dropped.
func (r *runner) receiveLoop(ctx context.Context, s *session.Session) error {
	var (
		wait      = time.Duration(r.cfg.HeartbeatInterval)*time.Second + time.Second
		probed    bool
		loggedOn  bool
		testReqID int
	)
	for {
		msg, err := s.Receive(ctx, wait)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrTimeout):
			if probed {
				r.log.Warn("peer unresponsive, dropping session")
				_ = s.Close()
				return fmt.Errorf("peer silent for %s after TestRequest", wait)
			}
			testReqID++
			if _, err := s.Send(ctx, fix.NewTestRequest(fmt.Sprintf("probe-%d", testReqID)), false); err != nil {
				return err
			}
			probed = true
			continue
		case session.IsFatal(err), ctx.Err() != nil:
			if loggedOn {
				return fmt.Errorf("%w: %w", errLoggedOn, err)
			}
			return err
		default:
			r.log.Warn("recoverable session error", logger.Err(err))
		}

		probed = false
		if msg == nil {
			continue
		}
		if s.State() == session.StateActive {
			loggedOn = true
		}
		if !msg.IsAdmin() {
			r.log.Info("application message",
				logger.Field{Key: "msg_type", Value: msg.MsgType()},
				logger.Field{Key: "seq", Value: msg.SeqNum()})
		}
		if s.State() == session.StateDisconnected {
			if loggedOn {
				return errLoggedOn
			}
			return session.ErrConnectionAborted
		}
	}
}

// shutdown logs out and waits briefly for the peer's confirmation.
func (r *runner) shutdown(s *session.Session) {
	if s.State() == session.StateDisconnected {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), logoutGrace)
	defer cancel()

	if err := s.Logoff(ctx); err != nil {
		r.log.Warn("logoff failed", logger.Err(err))
		return
	}
	for s.State() != session.StateDisconnected {
		if _, err := s.Receive(ctx, 0); err != nil && (session.IsFatal(err) || ctx.Err() != nil) {
			return
		}
	}
}
