package mux

import (
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/mccutchen/wsprobe"
)

type channelState int

const (
	stateRequested channelState = iota
	stateEstablished
	stateRejected
	stateClosed
)

func (s channelState) String() string {
	switch s {
	case stateRequested:
		return "requested"
	case stateEstablished:
		return "established"
	case stateRejected:
		return "rejected"
	default:
		return "closed"
	}
}

// logicalChannel is the client's view of one channel. All fields are
// guarded by the client's channels monitor.
type logicalChannel struct {
	id    uint32
	state channelState
	key   wsprobe.ClientKey
	err   error

	// sendQuota is how many payload bytes may still be sent; the server
	// grows it with FlowControl. receiveQuota is how many the server may
	// still send; SendFlowControl grows it.
	sendQuota    uint64
	receiveQuota uint64
	// slotQuota is the send quota of the slot the channel was opened
	// with, granted once the server accepts it.
	slotQuota uint64

	inbound *queue.Queue // of *wsprobe.Frame

	dropCode   wsprobe.StatusCode
	dropReason string
}

func newLogicalChannel(id uint32, state channelState) *logicalChannel {
	return &logicalChannel{
		id:      id,
		state:   state,
		inbound: queue.New(),
	}
}

// monitor is a mutex paired with a broadcast notification: every change
// to the guarded state closes the current changed channel and replaces it,
// waking all waiters.
type monitor struct {
	mu      sync.Mutex
	changed chan struct{}
}

func newMonitor() *monitor {
	return &monitor{changed: make(chan struct{})}
}

// broadcast must be called with mu held.
func (m *monitor) broadcast() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// await evaluates cond with mu held until it reports done, the timeout
// expires or the done channel is closed. cond may update the guarded state
// and set the error to return.
func (m *monitor) await(timeout time.Duration, done <-chan struct{}, cond func() (bool, error)) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if ok, err := cond(); ok || err != nil {
			return err
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-changed:
			m.mu.Lock()
		case <-timer.C:
			m.mu.Lock()
			if ok, err := cond(); ok || err != nil {
				return err
			}
			return ErrTimeout
		case <-done:
			m.mu.Lock()
			if ok, err := cond(); ok || err != nil {
				return err
			}
			return ErrClosed
		}
	}
}
