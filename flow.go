package h2client

import (
	"sync"
)

// flowWindow is an outbound flow-control credit counter, for the
// connection or for one stream.
//
// The counter is kept signed and wider than the 31-bit wire domain so
// that SETTINGS_INITIAL_WINDOW_SIZE re-basing can push it negative
// without wrapping, and so that overflow past 2^31-1 is detectable.
type flowWindow struct {
	mu   sync.Mutex
	cond sync.Cond
	n    int64
	err  error
}

func newFlowWindow(n int64) *flowWindow {
	fw := &flowWindow{n: n}
	fw.cond.L = &fw.mu
	return fw
}

// reserve blocks until at least one byte of credit is available and
// grants up to n bytes. Returns the failure cause if the window was
// poisoned while waiting.
func (fw *flowWindow) reserve(n int64) (int64, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	for fw.n <= 0 && fw.err == nil {
		fw.cond.Wait()
	}

	if fw.err != nil {
		return 0, fw.err
	}

	if n > fw.n {
		n = fw.n
	}

	fw.n -= n

	return n, nil
}

// release returns n bytes of credit, waking blocked senders. Credit
// above 2^31-1 is a FLOW_CONTROL_ERROR.
func (fw *flowWindow) release(n int64) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.err != nil {
		return fw.err
	}

	fw.n += n
	if fw.n > maxWindowSize {
		return NewError(FlowControlError, "window update overflows the flow-control window")
	}

	fw.cond.Broadcast()

	return nil
}

// adjust re-bases the window after a SETTINGS_INITIAL_WINDOW_SIZE
// change. The result may be negative; overflow past 2^31-1 is a
// FLOW_CONTROL_ERROR.
func (fw *flowWindow) adjust(delta int64) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.err != nil {
		return fw.err
	}

	fw.n += delta
	if fw.n > maxWindowSize {
		return NewError(FlowControlError, "settings change overflows the flow-control window")
	}

	if delta > 0 {
		fw.cond.Broadcast()
	}

	return nil
}

// fail poisons the window, waking every blocked sender with err.
func (fw *flowWindow) fail(err error) {
	fw.mu.Lock()
	if fw.err == nil {
		fw.err = err
	}
	fw.cond.Broadcast()
	fw.mu.Unlock()
}

func (fw *flowWindow) current() int64 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.n
}

// inboundWindow tracks the credit advertised to the peer for one scope
// and the consumed bytes not yet re-advertised through WINDOW_UPDATE.
type inboundWindow struct {
	mu      sync.Mutex
	avail   int64
	pending int64
}

func newInboundWindow(n int64) *inboundWindow {
	return &inboundWindow{avail: n}
}

// consume charges n received bytes against the advertised credit.
// Receiving more than we advertised is a FLOW_CONTROL_ERROR.
func (iw *inboundWindow) consume(n int64) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	iw.avail -= n
	if iw.avail < 0 {
		return NewError(FlowControlError, "peer exceeded the advertised window")
	}

	return nil
}

// replenish returns n consumed bytes as pending credit; the credit is
// advertised on the next flush.
func (iw *inboundWindow) replenish(n int64) {
	iw.mu.Lock()
	iw.pending += n
	iw.mu.Unlock()
}

// flush moves pending credit back into the advertised window and
// returns the WINDOW_UPDATE increment to emit, or 0 when pending is
// below threshold.
func (iw *inboundWindow) flush(threshold int64) int {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.pending < threshold || iw.pending == 0 {
		return 0
	}

	n := iw.pending
	iw.pending = 0
	iw.avail += n

	return int(n)
}

// adjust re-bases the advertised credit after our own
// SETTINGS_INITIAL_WINDOW_SIZE takes effect.
func (iw *inboundWindow) adjust(delta int64) {
	iw.mu.Lock()
	iw.avail += delta
	iw.mu.Unlock()
}
