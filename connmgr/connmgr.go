// Package connmgr implements the Connection Manager: a listening socket
// and a fixed worker pool fed by a bounded queue. Each worker reaps its
// own task's outcome directly into the shared success/failure counters
// rather than handing results off to a separate collector goroutine. It
// is the top of the accept-side stack: Start opens the socket, each
// accepted connection becomes one task, and protocol.Handler does the
// actual classify-and-dispatch work.
package connmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/onionmesh/onionmesh/config"
	"github.com/onionmesh/onionmesh/finger"
	"github.com/onionmesh/onionmesh/outgoing"
	"github.com/onionmesh/onionmesh/protocol"
	"github.com/onionmesh/onionmesh/wire"
)

// Manager owns the listening socket and worker pool for one node. Zero
// value is not usable; build with New.
type Manager struct {
	cfg      config.Config
	handler  *protocol.Handler
	outgoing *outgoing.Outgoing

	ln    net.Listener
	tasks chan net.Conn
	wg    sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}

	successes int64
	failures  int64
}

// New builds a Manager. handler processes each accepted connection;
// outgoing is used for Bootstrap, SendMessage, and the clean-stop
// QUIT-to-all-peers sweep.
func New(cfg config.Config, handler *protocol.Handler, out *outgoing.Outgoing) *Manager {
	return &Manager{
		cfg:      cfg,
		handler:  handler,
		outgoing: out,
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listening socket and launches the acceptor and worker
// pool goroutines. Both run until Stop closes the listener and the stop
// channel.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListeningPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", m.cfg.ListeningPort, err)
	}
	m.ln = ln
	m.tasks = make(chan net.Conn, m.cfg.ListeningQueue)

	for i := 0; i < m.cfg.ThreadPoolLength; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.wg.Add(1)
	go m.acceptLoop()

	slog.Info("connmgr: listening", "port", m.cfg.ListeningPort, "workers", m.cfg.ThreadPoolLength)
	return nil
}

// acceptLoop accepts connections and hands them to the worker pool via
// the bounded task queue. A full queue means the pool is saturated; the
// connection is closed rather than blocking the acceptor indefinitely.
//
// acceptLoop is the sole writer to m.tasks, so it is also the sole closer:
// closing happens here, once, after the accept loop has already committed
// to returning, never concurrently with a send. Stop must not close
// m.tasks itself — an already-accepted nc could still be landing in the
// `case m.tasks <- nc` below when Stop runs, and a close racing that send
// would panic the whole process instead of just dropping a connection.
func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	defer close(m.tasks)
	for {
		nc, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				slog.Warn("connmgr: accept error", "err", err)
				return
			}
		}
		select {
		case <-m.stopCh:
			_ = nc.Close()
			return
		case m.tasks <- nc:
		default:
			slog.Warn("connmgr: task queue full, dropping connection", "remote", nc.RemoteAddr())
			_ = nc.Close()
		}
	}
}

// worker drains the task queue until it is closed, recovering from any
// panic in a single task so one bad connection never kills the pool.
func (m *Manager) worker() {
	defer m.wg.Done()
	for nc := range m.tasks {
		m.runTask(nc)
	}
}

func (m *Manager) runTask(nc net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connmgr: worker task panicked", "recovered", r)
			atomic.AddInt64(&m.failures, 1)
		}
	}()
	defer nc.Close()

	conn := wire.New(nc, m.cfg.Timeout)
	if err := m.handler.HandleIncoming(conn); err != nil {
		slog.Warn("connmgr: task failed", "remote", nc.RemoteAddr(), "err", err)
		atomic.AddInt64(&m.failures, 1)
		return
	}
	atomic.AddInt64(&m.successes, 1)
}

// Successes returns the count of connections the pool handled without
// error.
func (m *Manager) Successes() int64 { return atomic.LoadInt64(&m.successes) }

// Failures returns the count of connections that errored or panicked.
func (m *Manager) Failures() int64 { return atomic.LoadInt64(&m.failures) }

// Bootstrap joins the mesh through the peer at addr.
func (m *Manager) Bootstrap(addr string) error {
	return m.outgoing.Bootstrap(addr)
}

// SendMessage sends text to recipient through the onion-wrapped path.
func (m *Manager) SendMessage(recipient finger.Finger, text string) error {
	return m.outgoing.Send(recipient, text)
}

// Stop notifies every known peer with QUIT, then closes the listening
// socket and drains the worker pool. It does not close m.tasks itself —
// see acceptLoop's comment for why that must stay the acceptor's job.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.outgoing.LeaveAll()

		close(m.stopCh)
		if m.ln != nil {
			if err := m.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("connmgr: error closing listener", "err", err)
			}
		}
		m.wg.Wait()
		slog.Info("connmgr: stopped", "successes", m.Successes(), "failures", m.Failures())
	})
}
