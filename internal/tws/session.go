package tws

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rickgao/momentum-trader/internal/pipeline"
)

// Session is the blocking vendor session. One TCP connection, one read
// loop. Implementations must be safe for concurrent request calls.
type Session interface {
	// Connect dials the gateway and completes the API handshake.
	Connect(ctx context.Context) error

	// Events returns the inbound event queue. Tick events are dropped
	// oldest-first under backpressure; all other events block the reader.
	Events() *pipeline.Queue[Event]

	// RequestMarketData subscribes to streaming ticks for a contract.
	RequestMarketData(reqID int64, c Contract, genericTicks string, snapshot bool) error

	// CancelMarketData cancels a streaming subscription.
	CancelMarketData(reqID int64) error

	// RequestHistoricalBars requests the most recent count bars.
	RequestHistoricalBars(reqID int64, c Contract, barSize string, count int) error

	// PlaceOrder submits an order.
	PlaceOrder(orderID int64, c Contract, o Order) error

	// CancelOrder cancels a pending order.
	CancelOrder(orderID int64) error

	// RequestAccountSummary requests account value tags.
	RequestAccountSummary(reqID int64) error

	// RequestPositions requests all broker-held positions.
	RequestPositions() error

	// RequestNewsProviders requests the available news provider list.
	RequestNewsProviders() error

	// Close terminates the session.
	Close() error
}

// SessionConfig configures a TCP session.
type SessionConfig struct {
	Host           string
	Port           int
	ClientID       int
	ConnectTimeout time.Duration
	QueueSize      int // inbound event queue capacity
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Host:           "127.0.0.1",
		Port:           7497,
		ConnectTimeout: 10 * time.Second,
		QueueSize:      4096,
	}
}

// tcpSession implements Session over the gateway socket.
type tcpSession struct {
	cfg    SessionConfig
	logger *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
	events *pipeline.Queue[Event]

	// Write serialization
	writeMu sync.Mutex

	// State
	mu        sync.RWMutex
	connected bool
	closed    bool

	done chan struct{}
}

// NewSession creates a new TCP session.
func NewSession(cfg SessionConfig, logger *slog.Logger) Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 4096
	}

	return &tcpSession{
		cfg:    cfg,
		logger: logger,
		events: pipeline.NewQueue[Event](cfg.QueueSize, pipeline.PolicyBlock),
		done:   make(chan struct{}),
	}
}

// Connect dials the gateway and performs the v100+ handshake.
func (s *tcpSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	// The gateway may send nextValidId in the same burst as the version
	// frame, so the handshake reads from the same buffered reader the read
	// loop takes over.
	reader := bufio.NewReaderSize(conn, 64*1024)
	if err := s.handshake(conn, reader); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.reader = reader
	s.connected = true
	s.mu.Unlock()

	go s.readLoop()

	s.logger.Debug("session connected", "addr", addr, "client_id", s.cfg.ClientID)
	return nil
}

// handshake sends the API prefix, reads the server version frame, and
// issues startAPI with the configured client ID.
func (s *tcpSession) handshake(conn net.Conn, r *bufio.Reader) error {
	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	// "API\0" prefix followed by the supported version range frame.
	if _, err := conn.Write([]byte("API\x00")); err != nil {
		return fmt.Errorf("write prefix: %w", err)
	}
	if err := writeFrame(conn, "v100..157"); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	// Server answers with its version and connection time.
	fields, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	if len(fields) < 1 {
		return fmt.Errorf("empty server version frame")
	}
	s.logger.Debug("server version", "version", fields[0])

	// startAPI: msgID, version, clientID, optionalCapabilities
	if err := writeFrame(conn, strconv.Itoa(outStartAPI), "2", strconv.Itoa(s.cfg.ClientID), ""); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}

	return nil
}

// Close terminates the session and closes the event queue after the read
// loop has drained.
func (s *tcpSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	conn := s.conn
	s.mu.Unlock()

	close(s.done)
	s.events.Close()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Events returns the inbound event queue.
func (s *tcpSession) Events() *pipeline.Queue[Event] {
	return s.events
}

// send serializes one outbound frame.
func (s *tcpSession) send(fields ...string) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	conn := s.conn
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return writeFrame(conn, fields...)
}

// contractFields encodes the contract portion of a request.
func contractFields(c Contract) []string {
	return []string{
		"0", // conID
		c.Symbol,
		c.SecType,
		"",  // expiry
		"0", // strike
		"",  // right
		"",  // multiplier
		c.Exchange,
		c.PrimaryExchange,
		c.Currency,
		"", // localSymbol
		"", // tradingClass
	}
}

func (s *tcpSession) RequestMarketData(reqID int64, c Contract, genericTicks string, snapshot bool) error {
	snap := "0"
	if snapshot {
		snap = "1"
	}
	fields := append([]string{strconv.Itoa(outReqMktData), "11", strconv.FormatInt(reqID, 10)}, contractFields(c)...)
	fields = append(fields, genericTicks, snap, "0", "")
	return s.send(fields...)
}

func (s *tcpSession) CancelMarketData(reqID int64) error {
	return s.send(strconv.Itoa(outCancelMktData), "2", strconv.FormatInt(reqID, 10))
}

func (s *tcpSession) RequestHistoricalBars(reqID int64, c Contract, barSize string, count int) error {
	// Duration is expressed in seconds for sub-day requests.
	duration := fmt.Sprintf("%d S", count*barSizeSeconds(barSize))
	fields := append([]string{strconv.Itoa(outReqHistoricalData), strconv.FormatInt(reqID, 10)}, contractFields(c)...)
	fields = append(fields,
		"",       // endDateTime: now
		barSize,  // e.g. "1 min"
		duration, // e.g. "660 S"
		"1",      // useRTH
		"TRADES", // whatToShow
		"1",      // formatDate
		"0",      // keepUpToDate
		"",       // chartOptions
	)
	return s.send(fields...)
}

func (s *tcpSession) PlaceOrder(orderID int64, c Contract, o Order) error {
	fields := append([]string{strconv.Itoa(outPlaceOrder), strconv.FormatInt(orderID, 10)}, contractFields(c)...)
	fields = append(fields,
		o.Action,
		strconv.FormatInt(o.Qty, 10),
		o.OrderType,
		"", // lmtPrice
		"", // auxPrice
		o.Tif,
	)
	return s.send(fields...)
}

func (s *tcpSession) CancelOrder(orderID int64) error {
	return s.send(strconv.Itoa(outCancelOrder), "1", strconv.FormatInt(orderID, 10))
}

func (s *tcpSession) RequestAccountSummary(reqID int64) error {
	return s.send(
		strconv.Itoa(outReqAccountSummary), "1", strconv.FormatInt(reqID, 10),
		"All", "NetLiquidation,TotalCashValue,EquityWithLoanValue",
	)
}

func (s *tcpSession) RequestPositions() error {
	return s.send(strconv.Itoa(outReqPositions), "1")
}

func (s *tcpSession) RequestNewsProviders() error {
	return s.send(strconv.Itoa(outReqNewsProviders))
}

// barSizeSeconds maps a bar size setting to seconds per bar.
func barSizeSeconds(barSize string) int {
	switch barSize {
	case "5 secs":
		return 5
	case "30 secs":
		return 30
	case "5 mins":
		return 300
	default: // "1 min"
		return 60
	}
}

// readLoop decodes frames and publishes events until the connection drops
// or Close is called.
func (s *tcpSession) readLoop() {
	defer s.events.Close()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		fields, err := readFrame(s.reader)
		if err != nil {
			// Ignore errors after Close() is called.
			select {
			case <-s.done:
				return
			default:
			}

			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()

			s.logger.Warn("session read failed", "error", err)
			s.events.Offer(Event{Kind: EventClosed, CloseErr: err})
			return
		}

		events, err := decodeFrame(fields)
		if err != nil {
			s.logger.Warn("frame decode failed", "error", err)
			continue
		}

		for _, ev := range events {
			if ev.IsTick() {
				// Ticks are droppable under backpressure.
				s.events.Offer(ev)
				continue
			}
			if err := s.events.Put(context.Background(), ev); err != nil {
				return
			}
		}
	}
}
