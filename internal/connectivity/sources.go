package connectivity

import (
	"context"
	"net"
	"sync"
	"time"
)

// Dialer opens network connections; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialSource probes TCP reachability of the server host on an interval.
type DialSource struct {
	Address  string
	Interval time.Duration
	Timeout  time.Duration
	Dialer   Dialer
}

// NewDialSource creates a probe against address.
func NewDialSource(address string, interval, timeout time.Duration) *DialSource {
	return &DialSource{
		Address:  address,
		Interval: interval,
		Timeout:  timeout,
		Dialer:   &net.Dialer{},
	}
}

func (s *DialSource) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	conn, err := s.Dialer.DialContext(ctx, "tcp", s.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Online probes once.
func (s *DialSource) Online(ctx context.Context) bool {
	return s.probe(ctx)
}

// Watch probes every Interval until ctx is done.
func (s *DialSource) Watch(ctx context.Context, fn func(online bool)) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			online := s.probe(ctx)
			if ctx.Err() != nil {
				return
			}
			fn(online)
		}
	}
}

// ManualSource is driven by explicit Set calls from the operator or UI.
type ManualSource struct {
	mu       sync.Mutex
	online   bool
	watchers map[chan bool]struct{}
}

// NewManualSource creates a source with the given initial state.
func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online, watchers: make(map[chan bool]struct{})}
}

// Set records a signal and forwards it to watchers.
func (s *ManualSource) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = online
	for ch := range s.watchers {
		select {
		case ch <- online:
		default:
			// replace the unread signal with the newest one
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
}

// Online returns the last value set.
func (s *ManualSource) Online(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Watch forwards Set calls to fn until ctx is done.
func (s *ManualSource) Watch(ctx context.Context, fn func(online bool)) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	// replay the current value so a Set racing Start is not lost
	ch <- s.online
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-ch:
			fn(v)
		}
	}
}
