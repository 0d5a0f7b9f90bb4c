package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrStreamClosed signals that the upstream feed has ended and the
// subscriber should disconnect.
var ErrStreamClosed = errors.New("stream closed")

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Manager multiplexes device frame sockets to HTTP subscribers. One
// upstream TCP connection exists per device at most, established lazily
// on the first subscriber and torn down a grace period after the last
// one leaves.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	dial   dialFunc

	mu     sync.Mutex
	feeds  map[string]*feed
	closed bool
}

// NewManager creates a stream manager.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		feeds: make(map[string]*feed),
	}
}

// Subscribe attaches a new subscriber to the device's feed, dialing the
// upstream socket if none is live. An existing but dead upstream is
// detected with a zero-byte probe and re-established.
func (m *Manager) Subscribe(ctx context.Context, deviceID, addr string) (*Subscriber, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrStreamClosed
	}
	f, ok := m.feeds[deviceID]
	if !ok {
		f = &feed{
			deviceID: deviceID,
			mgr:      m,
			subs:     make(map[string]*Subscriber),
		}
		m.feeds[deviceID] = f
	}
	m.mu.Unlock()

	return f.subscribe(ctx, addr)
}

// Unsubscribe detaches a subscriber. When the last one leaves, the
// upstream socket is kept for a grace period in case another viewer
// arrives, then closed.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	sub.feed.unsubscribe(sub)
}

// Shutdown closes every upstream and delivers the stop sentinel to all
// subscribers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	feeds := make([]*feed, 0, len(m.feeds))
	for _, f := range m.feeds {
		feeds = append(feeds, f)
	}
	m.feeds = make(map[string]*feed)
	m.mu.Unlock()

	for _, f := range feeds {
		f.close()
	}
}

// SubscriberCount reports attached subscribers across all feeds.
func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, f := range m.feeds {
		f.mu.Lock()
		total += len(f.subs)
		f.mu.Unlock()
	}
	return total
}

func (m *Manager) removeFeed(f *feed) {
	m.mu.Lock()
	if m.feeds[f.deviceID] == f {
		delete(m.feeds, f.deviceID)
	}
	m.mu.Unlock()
}

// feed owns the single upstream socket for one device and fans frames
// out to its subscribers.
type feed struct {
	deviceID string
	mgr      *Manager

	mu      sync.Mutex
	conn    net.Conn
	running bool
	subs    map[string]*Subscriber
	grace   *time.Timer
}

func (f *feed) subscribe(ctx context.Context, addr string) (*Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.grace != nil {
		f.grace.Stop()
		f.grace = nil
	}

	// A socket can die quietly between viewers. Probe it before
	// trusting it for a new subscriber.
	if f.conn != nil && !probeUpstream(f.conn) {
		f.conn.Close()
		f.conn = nil
		f.running = false
	}

	if !f.running {
		conn, err := f.mgr.dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		f.conn = conn
		f.running = true
		go f.pump(conn)
		f.mgr.logger.Debug("upstream connected",
			zap.String("device", f.deviceID),
			zap.String("addr", addr),
		)
	}

	sub := &Subscriber{
		id:         uuid.NewString(),
		feed:       f,
		queue:      make(chan []byte, f.mgr.cfg.QueueDepth),
		getTimeout: f.mgr.cfg.GetTimeout,
	}
	f.subs[sub.id] = sub
	streamSubscribers.WithLabelValues(f.deviceID).Inc()
	return sub, nil
}

func (f *feed) unsubscribe(sub *Subscriber) {
	f.mu.Lock()
	if _, ok := f.subs[sub.id]; ok {
		delete(f.subs, sub.id)
		streamSubscribers.WithLabelValues(f.deviceID).Dec()
	}
	if len(f.subs) == 0 && f.running && f.grace == nil {
		f.grace = time.AfterFunc(f.mgr.cfg.GracePeriod, f.teardown)
	}
	f.mu.Unlock()
}

// pump relays frames from the upstream socket until it fails, then
// delivers the stop sentinel so subscribers disconnect.
func (f *feed) pump(conn net.Conn) {
	boundary := f.mgr.cfg.Boundary
	for {
		jpeg, err := readFrame(conn)
		if err != nil {
			f.mgr.logger.Debug("upstream ended",
				zap.String("device", f.deviceID),
				zap.Error(err),
			)
			break
		}
		streamFramesTotal.WithLabelValues(f.deviceID).Inc()
		f.fanout(formatPart(boundary, jpeg))
	}
	conn.Close()

	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
		f.running = false
	}
	subs := make([]*Subscriber, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.sendSentinel()
	}
}

// fanout enqueues a pre-formatted part on every subscriber without
// blocking. A full queue drops the frame for that subscriber only.
func (f *feed) fanout(part []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		select {
		case s.queue <- part:
		default:
			streamDroppedTotal.WithLabelValues(f.deviceID).Inc()
		}
	}
}

// teardown fires after the last-subscriber grace period.
func (f *feed) teardown() {
	f.mu.Lock()
	f.grace = nil
	if len(f.subs) != 0 {
		f.mu.Unlock()
		return
	}
	conn := f.conn
	f.conn = nil
	f.running = false
	f.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	f.mgr.removeFeed(f)
	f.mgr.logger.Debug("upstream released", zap.String("device", f.deviceID))
}

func (f *feed) close() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.running = false
	if f.grace != nil {
		f.grace.Stop()
		f.grace = nil
	}
	f.mu.Unlock()
	if conn != nil {
		// The pump notices the closed socket and sentinels the
		// subscribers.
		conn.Close()
	}
}

func (f *feed) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// probeUpstream writes zero bytes with a short deadline to detect a
// connection the peer has already closed.
func probeUpstream(conn net.Conn) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_, err := conn.Write([]byte{})
	_ = conn.SetWriteDeadline(time.Time{})
	return err == nil
}

// Subscriber is one MJPEG viewer's bounded frame queue.
type Subscriber struct {
	id         string
	feed       *feed
	queue      chan []byte
	getTimeout time.Duration
}

// Next returns the next pre-formatted MJPEG part. It blocks until a
// frame arrives, the context ends, or the feed stops. On a queue
// timeout it re-checks feed liveness rather than assuming the stream
// died: a tracking camera at low frame rates can legitimately go quiet.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(s.getTimeout)
	defer timer.Stop()
	for {
		select {
		case part := <-s.queue:
			if part == nil {
				return nil, ErrStreamClosed
			}
			return part, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			if !s.feed.alive() {
				return nil, ErrStreamClosed
			}
			timer.Reset(s.getTimeout)
		}
	}
}

// sendSentinel guarantees delivery of the nil stop marker even when the
// queue is full of stale frames.
func (s *Subscriber) sendSentinel() {
	for {
		select {
		case s.queue <- nil:
			return
		default:
			select {
			case <-s.queue:
			default:
			}
		}
	}
}
