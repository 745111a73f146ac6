package h2client

import (
	"sync"
	"time"
)

const maxStreamID = 1<<31 - 1

const (
	// closedStreamGrace is how long frames for a just-closed stream are
	// still absorbed. Past the window a late frame is a STREAM_CLOSED
	// connection error instead of being silently forgiven.
	closedStreamGrace = 5 * time.Second

	// maxClosedStreams bounds the closed-id record.
	maxClosedStreams = 128
)

// streamRegistry maps active stream ids to their handles and allocates
// client stream ids: odd, strictly increasing by 2 from 1.
//
// The registry is the only shared index of streams: the dispatcher
// routes inbound frames through it and entries are removed explicitly
// when a stream reaches its terminal state.
type streamRegistry struct {
	mu         sync.Mutex
	streams    map[uint32]*Stream
	nextID     uint32
	maxRecvID  uint32
	clientOpen int
	goAwayRecv bool
	failed     error

	// recently closed ids with their closing time, bounded by
	// maxClosedStreams and pruned past closedStreamGrace
	closed map[uint32]time.Time
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		streams: make(map[uint32]*Stream),
		nextID:  1,
		closed:  make(map[uint32]time.Time),
	}
}

// allocate reserves the next client stream id and registers the stream
// built by mk. The registry lock covers id allocation and registration
// so concurrent callers observe strictly increasing ids.
func (sr *streamRegistry) allocate(maxStreams uint32, mk func(id uint32) *Stream) (*Stream, error) {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.failed != nil {
		return nil, sr.failed
	}

	if sr.goAwayRecv {
		return nil, ErrGoAwayInProgress
	}

	if maxStreams > 0 && uint32(sr.clientOpen) >= maxStreams {
		return nil, ErrNotAvailableStreams
	}

	if sr.nextID > maxStreamID {
		return nil, ErrStreamIDExhausted
	}

	id := sr.nextID
	sr.nextID += 2

	strm := mk(id)
	sr.streams[id] = strm
	sr.clientOpen++

	return strm, nil
}

// reserve registers a server-promised (even) stream.
func (sr *streamRegistry) reserve(id uint32, strm *Stream) {
	sr.mu.Lock()
	sr.streams[id] = strm
	sr.mu.Unlock()
}

func (sr *streamRegistry) get(id uint32) *Stream {
	sr.mu.Lock()
	strm := sr.streams[id]
	sr.mu.Unlock()
	return strm
}

// remove drops the stream on terminal transition, recording the id so
// late frames inside the grace window are told apart from long-closed
// streams.
func (sr *streamRegistry) remove(id uint32) {
	sr.mu.Lock()
	if _, ok := sr.streams[id]; ok {
		delete(sr.streams, id)
		if id&1 == 1 {
			sr.clientOpen--
		}

		sr.recordClosed(id)
	}
	sr.mu.Unlock()
}

// recordClosed remembers a just-closed id. Callers hold sr.mu.
func (sr *streamRegistry) recordClosed(id uint32) {
	now := time.Now()

	if len(sr.closed) >= maxClosedStreams {
		for cid, t := range sr.closed {
			if now.Sub(t) > closedStreamGrace {
				delete(sr.closed, cid)
			}
		}
	}

	if len(sr.closed) >= maxClosedStreams {
		// still full: evict the oldest entry
		var oldest uint32
		var oldestT time.Time
		for cid, t := range sr.closed {
			if oldestT.IsZero() || t.Before(oldestT) {
				oldest, oldestT = cid, t
			}
		}
		delete(sr.closed, oldest)
	}

	sr.closed[id] = now
}

// closedRecently reports whether id was closed within the grace window.
func (sr *streamRegistry) closedRecently(id uint32) bool {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	t, ok := sr.closed[id]

	return ok && time.Since(t) <= closedStreamGrace
}

// noteRecv records the highest stream id observed from the peer,
// needed when emitting GOAWAY.
func (sr *streamRegistry) noteRecv(id uint32) {
	sr.mu.Lock()
	if id > sr.maxRecvID {
		sr.maxRecvID = id
	}
	sr.mu.Unlock()
}

func (sr *streamRegistry) maxRecv() uint32 {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.maxRecvID
}

// goAway marks the connection as draining and returns the
// client-initiated streams above lastID, which the server refused.
func (sr *streamRegistry) goAway(lastID uint32) []*Stream {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	sr.goAwayRecv = true

	var refused []*Stream
	for id, strm := range sr.streams {
		if id&1 == 1 && id > lastID {
			refused = append(refused, strm)
			delete(sr.streams, id)
			sr.clientOpen--
			sr.recordClosed(id)
		}
	}

	return refused
}

// fail poisons the registry and returns every remaining stream so the
// caller can terminate them with the connection failure cause.
func (sr *streamRegistry) fail(err error) []*Stream {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if sr.failed == nil {
		sr.failed = err
	}

	strms := make([]*Stream, 0, len(sr.streams))
	for id, strm := range sr.streams {
		strms = append(strms, strm)
		delete(sr.streams, id)
	}
	sr.clientOpen = 0

	return strms
}

// forEach visits every registered stream. Used to re-base the outbound
// windows on a SETTINGS_INITIAL_WINDOW_SIZE change.
func (sr *streamRegistry) forEach(fn func(*Stream) error) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	for _, strm := range sr.streams {
		if err := fn(strm); err != nil {
			return err
		}
	}

	return nil
}
