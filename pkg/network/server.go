package network

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/meftunca/empbroker/pkg/types"
	"go.uber.org/zap"
)

// Listener names used in logs and metrics
const (
	ListenerSubmit = "submit"
	ListenerFetch  = "fetch"
)

// ConnectionHandler handles one accepted connection to completion
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn *Connection) error
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port" json:"port"`
	Network string `yaml:"network" json:"network"` // tcp, tcp4, tcp6

	// AcceptTimeout bounds each wait for a connection so the loop can observe cancellation
	AcceptTimeout time.Duration `yaml:"accept_timeout" json:"accept_timeout"`
	// ConnTimeout is the read/write deadline for a whole connection
	ConnTimeout time.Duration `yaml:"conn_timeout" json:"conn_timeout"`
	// IdleTimeout ends an unterminated request once the peer stops sending
	// for this long; 0 waits for a newline or EOF
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// MaxFrameSize bounds one inbound request in bytes
	MaxFrameSize int `yaml:"max_frame_size" json:"max_frame_size"`
}

// ServerStats holds listener counters
type ServerStats struct {
	Name                string    `json:"name"`
	Status              string    `json:"status"`
	Address             string    `json:"address"`
	AcceptedConnections int64     `json:"accepted_connections"`
	ClosedConnections   int64     `json:"closed_connections"`
	BytesRead           int64     `json:"bytes_read"`
	BytesWritten        int64     `json:"bytes_written"`
	TotalErrors         int64     `json:"total_errors"`
	TimeoutErrors       int64     `json:"timeout_errors"`
	StartTime           time.Time `json:"start_time"`
}

// TCPServer is a single-threaded accept loop: each connection is handled to
// completion before the next is accepted.
type TCPServer struct {
	config   *ServerConfig
	listener *net.TCPListener
	handler  ConnectionHandler
	recorder Recorder
	logger   *zap.Logger

	// Server state
	running   int32
	startTime time.Time

	// Statistics
	accepted      int64
	closed        int64
	bytesRead     int64
	bytesWritten  int64
	totalErrors   int64
	timeoutErrors int64
}

// NewTCPServer creates a new TCP server. recorder and logger may be nil.
func NewTCPServer(config *ServerConfig, handler ConnectionHandler, recorder Recorder, logger *zap.Logger) *TCPServer {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Network == "" {
		config.Network = "tcp"
	}
	return &TCPServer{
		config:   config,
		handler:  handler,
		recorder: recorder,
		logger:   logger.With(zap.String("listener", config.Name)),
	}
}

// Listen binds the configured address. Failure is a BIND_FAILED error.
func (s *TCPServer) Listen() error {
	address := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))

	addr, err := net.ResolveTCPAddr(s.config.Network, address)
	if err != nil {
		return types.ErrBind(address, err)
	}
	listener, err := net.ListenTCP(s.config.Network, addr)
	if err != nil {
		return types.ErrBind(address, err)
	}

	s.listener = listener
	s.startTime = time.Now()
	atomic.StoreInt32(&s.running, 1)

	s.logger.Info("listening", zap.Stringer("address", listener.Addr()))
	return nil
}

// Serve runs the accept loop until ctx is cancelled, then closes the listener.
// A failing client never stops the loop.
func (s *TCPServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if s.config.AcceptTimeout > 0 {
			s.listener.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
		}
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if atomic.LoadInt32(&s.running) == 0 {
				return nil // Server is stopping
			}
			atomic.AddInt64(&s.totalErrors, 1)
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single connection synchronously
func (s *TCPServer) handleConnection(ctx context.Context, tcpConn *net.TCPConn) {
	connection := s.newConnection(tcpConn)
	atomic.AddInt64(&s.accepted, 1)
	s.recorder.RecordConnection(s.config.Name)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.totalErrors, 1)
			s.logger.Error("connection handler panicked",
				zap.Stringer("remote", connection.RemoteAddr()),
				zap.Any("panic", r))
		}
		connection.Close()
		atomic.AddInt64(&s.closed, 1)
		atomic.AddInt64(&s.bytesRead, connection.bytesRead)
		atomic.AddInt64(&s.bytesWritten, connection.bytesWritten)
		s.recorder.RecordConnectionClosed(s.config.Name, time.Since(connection.connectTime))
	}()

	if err := s.handler.HandleConnection(ctx, connection); err != nil {
		atomic.AddInt64(&s.totalErrors, 1)

		var be *types.BrokerError
		operation := "handle"
		if errors.As(err, &be) && be.Code == types.ErrCodeTransport {
			if op, ok := be.Details["operation"].(string); ok {
				operation = op
			}
			if isTimeout(err) {
				atomic.AddInt64(&s.timeoutErrors, 1)
			}
			s.recorder.RecordTransportError(s.config.Name, operation)
		}
		s.logger.Debug("connection abandoned",
			zap.Stringer("remote", connection.RemoteAddr()),
			zap.String("operation", operation),
			zap.Error(err))
	}
}

func (s *TCPServer) newConnection(conn *net.TCPConn) *Connection {
	connection := &Connection{
		conn:        conn,
		connectTime: time.Now(),
		idleTimeout: s.config.IdleTimeout,
	}
	if s.config.ConnTimeout > 0 {
		connection.deadline = connection.connectTime.Add(s.config.ConnTimeout)
		conn.SetDeadline(connection.deadline)
	}
	return connection
}

// Close stops accepting connections. It is safe to call more than once.
func (s *TCPServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.running, 1, 0) {
		return nil
	}
	s.logger.Info("listener closed")
	return s.listener.Close()
}

// GetAddr returns the bound address, or nil before Listen
func (s *TCPServer) GetAddr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// GetStats returns listener statistics
func (s *TCPServer) GetStats() ServerStats {
	stats := ServerStats{
		Name:                s.config.Name,
		Status:              "stopped",
		AcceptedConnections: atomic.LoadInt64(&s.accepted),
		ClosedConnections:   atomic.LoadInt64(&s.closed),
		BytesRead:           atomic.LoadInt64(&s.bytesRead),
		BytesWritten:        atomic.LoadInt64(&s.bytesWritten),
		TotalErrors:         atomic.LoadInt64(&s.totalErrors),
		TimeoutErrors:       atomic.LoadInt64(&s.timeoutErrors),
		StartTime:           s.startTime,
	}
	if atomic.LoadInt32(&s.running) == 1 {
		stats.Status = "running"
	}
	if addr := s.GetAddr(); addr != nil {
		stats.Address = addr.String()
	}
	return stats
}

// Connection represents one accepted client connection
type Connection struct {
	conn        *net.TCPConn
	connectTime time.Time
	deadline    time.Time
	idleTimeout time.Duration

	// Statistics, owned by the handling goroutine
	bytesRead    int64
	bytesWritten int64

	// unread reports that the peer may still be sending
	unread bool
}

// RemoteAddr returns the peer address
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ReadFrame reads one request terminated by '\n', by the peer closing its
// side, or by the peer going quiet for the idle timeout after sending data.
// A trailing "\r" is dropped. Requests longer than maxSize fail with
// FRAME_TOO_LARGE before anything is parsed.
func (c *Connection) ReadFrame(maxSize int) ([]byte, error) {
	var (
		frame []byte
		chunk = make([]byte, 4096)
		idle  bool
	)
	for {
		if len(frame) > 0 && c.idleTimeout > 0 {
			idle = c.armIdleDeadline()
		}
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.bytesRead += int64(n)
			data := chunk[:n]
			end := bytes.IndexByte(data, '\n')
			if end >= 0 {
				data = data[:end]
			}
			if maxSize > 0 && len(frame)+len(data) > maxSize {
				c.unread = true
				return nil, types.ErrFrameExceedsLimit(len(frame)+len(data), maxSize)
			}
			frame = append(frame, data...)
			if end >= 0 {
				c.unread = end < n-1
				return bytes.TrimSuffix(frame, []byte{'\r'}), nil
			}
		}
		if err == io.EOF {
			return bytes.TrimSuffix(frame, []byte{'\r'}), nil
		}
		if idle && isTimeout(err) {
			// Quiet peer: the request is what has arrived so far
			c.conn.SetReadDeadline(c.deadline)
			return bytes.TrimSuffix(frame, []byte{'\r'}), nil
		}
		if err != nil {
			return nil, types.ErrTransportError("read", err)
		}
	}
}

// armIdleDeadline shortens the read deadline to the idle timeout. It reports
// false when the connection deadline comes first.
func (c *Connection) armIdleDeadline() bool {
	idleAt := time.Now().Add(c.idleTimeout)
	if !c.deadline.IsZero() && !idleAt.Before(c.deadline) {
		c.conn.SetReadDeadline(c.deadline)
		return false
	}
	c.conn.SetReadDeadline(idleAt)
	return true
}

// WriteResponse writes one reply. The connection is closed by the server
// once the handler returns.
func (c *Connection) WriteResponse(data []byte) error {
	n, err := c.conn.Write(data)
	c.bytesWritten += int64(n)
	if err != nil {
		return types.ErrTransportError("write", err)
	}
	return nil
}

// Close closes the connection. When the request was not read to its end the
// write side is shut first and pending input drained briefly, so the reply is
// not lost to a reset.
func (c *Connection) Close() error {
	if c.unread {
		c.conn.CloseWrite()
		c.conn.SetReadDeadline(time.Now().Add(drainTimeout))
		io.Copy(io.Discard, io.LimitReader(c.conn, maxDrainBytes))
	}
	return c.conn.Close()
}

const (
	drainTimeout  = 250 * time.Millisecond
	maxDrainBytes = 256 << 10
)

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
