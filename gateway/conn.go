package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/mudvault/mesh/realtime/ws"
)

var (
	errQueueFull   = errors.New("write queue full")
	errQueueClosed = errors.New("write queue closed")
)

// peerConn is the connection record: one per live socket. The write queue
// decouples the router from slow peers; a single writer goroutine drains it in
// FIFO order, which is what provides the per-pair ordering guarantee.
type peerConn struct {
	id   string
	ws   *ws.Conn
	host string

	connectedAt time.Time

	mu           sync.Mutex
	mudName      string
	version      string
	lastSeen     time.Time
	messageCount int64

	outMu     sync.Mutex
	outCond   *sync.Cond
	outQueue  [][]byte
	outHead   int
	outClosed bool
	outErr    error
}

func newPeerConn(id string, c *ws.Conn, host string, now time.Time) *peerConn {
	pc := &peerConn{
		id:          id,
		ws:          c,
		host:        host,
		connectedAt: now,
		lastSeen:    now,
	}
	pc.outCond = sync.NewCond(&pc.outMu)
	return pc
}

// touch records activity and bumps the message counter.
func (pc *peerConn) touch(now time.Time, countMessage bool) {
	pc.mu.Lock()
	pc.lastSeen = now
	if countMessage {
		pc.messageCount++
	}
	pc.mu.Unlock()
}

func (pc *peerConn) name() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.mudName
}

func (pc *peerConn) messages() int64 {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.messageCount
}

func (pc *peerConn) lastSeenAt() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastSeen
}

// enqueue appends a frame without blocking. A full queue is the caller's
// signal that the peer is too slow; the frame is dropped, not queued.
func (pc *peerConn) enqueue(frame []byte, maxQueue int) error {
	pc.outMu.Lock()
	defer pc.outMu.Unlock()
	if pc.outClosed {
		if pc.outErr != nil {
			return pc.outErr
		}
		return errQueueClosed
	}
	if maxQueue > 0 && len(pc.outQueue)-pc.outHead >= maxQueue {
		return errQueueFull
	}
	pc.outQueue = append(pc.outQueue, frame)
	pc.outCond.Signal()
	return nil
}

// nextWrite blocks until a frame is available or the queue is closed.
func (pc *peerConn) nextWrite() ([]byte, error) {
	pc.outMu.Lock()
	defer pc.outMu.Unlock()
	for !pc.outClosed && pc.outHead >= len(pc.outQueue) {
		pc.outCond.Wait()
	}
	if pc.outHead >= len(pc.outQueue) {
		if pc.outErr != nil {
			return nil, pc.outErr
		}
		return nil, errQueueClosed
	}
	frame := pc.outQueue[pc.outHead]
	pc.outQueue[pc.outHead] = nil
	pc.outHead++
	if pc.outHead > 128 && pc.outHead*2 > len(pc.outQueue) {
		pc.outQueue = append([][]byte(nil), pc.outQueue[pc.outHead:]...)
		pc.outHead = 0
	}
	return frame, nil
}

func (pc *peerConn) closeQueue(err error) {
	pc.outMu.Lock()
	if pc.outClosed {
		pc.outMu.Unlock()
		return
	}
	pc.outClosed = true
	if err == nil {
		err = errQueueClosed
	}
	pc.outErr = err
	pc.outQueue = nil
	pc.outHead = 0
	pc.outCond.Broadcast()
	pc.outMu.Unlock()
}
