package app

import (
	"time"

	"github.com/brianly1003/mstream/internal/adapters/journal"
	"github.com/brianly1003/mstream/internal/domain"
	"github.com/brianly1003/mstream/internal/hub"
	"github.com/brianly1003/mstream/internal/sync"
	"github.com/rs/zerolog/log"
)

// journalRecorder keeps one journal sink attached to each multiplexer that
// has at least one tracked consumer. The sink is detached with the last
// consumer so it never holds an idle stream open.
type journalRecorder struct {
	journal    *journal.Journal
	bufferSize int

	mu   sync.Mutex
	taps map[domain.ConnectionKey]*tap
	// detached sinks that may still be flushing
	retired []*journal.Sink
}

type tap struct {
	m    *hub.Multiplexer
	sink *journal.Sink
	refs int
}

func newJournalRecorder(j *journal.Journal, bufferSize int) *journalRecorder {
	return &journalRecorder{
		journal:    j,
		bufferSize: bufferSize,
		taps:       make(map[domain.ConnectionKey]*tap),
	}
}

// Track implements httpserver.Recorder.
func (r *journalRecorder) Track(account string, m *hub.Multiplexer) func() {
	key := m.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.taps[key]
	if !ok {
		t = &tap{m: m}
		r.taps[key] = t
	}
	if t.sink == nil || isDone(t.sink) {
		// The previous sink was completed with its stream, e.g. after the
		// connection gave up.
		if t.sink != nil {
			r.retireLocked(t.sink)
		}
		sink := journal.NewSink(r.journal, account, r.bufferSize)
		if err := m.Attach(sink); err != nil {
			log.Warn().Err(err).Str("stream", key.String()).Msg("failed to attach journal sink")
			_ = sink.Close()
			t.sink = nil
		} else {
			t.sink = sink
		}
	}
	t.refs++

	var once sync.Once
	return func() {
		once.Do(func() { r.release(key) })
	}
}

func (r *journalRecorder) release(key domain.ConnectionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.taps[key]
	if !ok {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	delete(r.taps, key)
	if t.sink != nil {
		t.m.Detach(t.sink.ID())
		r.retireLocked(t.sink)
	}
}

// retireLocked keeps s until Flush can wait for it. Sinks that have already
// finished writing are forgotten, so the list only holds sinks in flight.
// r.mu must be held.
func (r *journalRecorder) retireLocked(s *journal.Sink) {
	live := r.retired[:0]
	for _, old := range r.retired {
		if !isDone(old) {
			live = append(live, old)
		}
	}
	for i := len(live); i < len(r.retired); i++ {
		r.retired[i] = nil
	}
	r.retired = append(live, s)
}

// Flush waits for every sink to finish writing, up to timeout. Sinks still
// attached are closed first.
func (r *journalRecorder) Flush(timeout time.Duration) {
	r.mu.Lock()
	sinks := r.retired
	r.retired = nil
	for key, t := range r.taps {
		if t.sink != nil {
			_ = t.sink.Close()
			sinks = append(sinks, t.sink)
		}
		delete(r.taps, key)
	}
	r.mu.Unlock()

	deadline := time.After(timeout)
	for _, s := range sinks {
		select {
		case <-s.Done():
		case <-deadline:
			log.Warn().Int("sinks", len(sinks)).Msg("journal flush timed out")
			return
		}
	}
}

func isDone(s *journal.Sink) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
