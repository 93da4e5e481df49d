package client

import (
	"sync"
	"time"
)

// heartbeatMonitor sends a liveness probe on a fixed interval and expects an
// acknowledgement within a bounded window. A missed acknowledgement fires
// onTimeout so the connection closes itself proactively instead of waiting
// for the transport to notice the peer is gone.
type heartbeatMonitor struct {
	interval time.Duration
	ackWait  time.Duration
	send     func() error
	timeout  func()

	mu       sync.Mutex
	ticker   *time.Ticker
	ackTimer *time.Timer
	stopCh   chan struct{}
	running  bool
}

func newHeartbeatMonitor(interval, ackWait time.Duration, send func() error, timeout func()) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval: interval,
		ackWait:  ackWait,
		send:     send,
		timeout:  timeout,
	}
}

func (h *heartbeatMonitor) start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.ticker = time.NewTicker(h.interval)
	h.stopCh = make(chan struct{})
	ticker, stopCh := h.ticker, h.stopCh
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				h.probe()
			}
		}
	}()
}

func (h *heartbeatMonitor) probe() {
	if err := h.send(); err != nil {
		// The write failed; the read loop will observe the broken
		// transport, so there is nothing to time out here.
		return
	}
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	if h.ackTimer != nil {
		h.ackTimer.Stop()
	}
	h.ackTimer = time.AfterFunc(h.ackWait, h.timeout)
	h.mu.Unlock()
}

// ack cancels the pending acknowledgement deadline.
func (h *heartbeatMonitor) ack() {
	h.mu.Lock()
	if h.ackTimer != nil {
		h.ackTimer.Stop()
		h.ackTimer = nil
	}
	h.mu.Unlock()
}

// stop halts probing and cancels any pending deadline. Safe to call twice.
func (h *heartbeatMonitor) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.ticker.Stop()
	close(h.stopCh)
	if h.ackTimer != nil {
		h.ackTimer.Stop()
		h.ackTimer = nil
	}
	h.mu.Unlock()
}
