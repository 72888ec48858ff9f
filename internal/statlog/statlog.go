// Package statlog aggregates per-session counters and reports them two
// ways: a colorized one-line log every reporting interval, and a table
// dump at session shutdown — the same two-tier reporting split the
// teacher lineage uses for its reassembly statistics.
package statlog

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/evilsocket/islazy/tui"
	"github.com/mgutz/ansi"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	framesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inkcast_frames_ingested_total",
		Help: "Frame packets successfully reconstructed.",
	})
	framesOverwritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inkcast_frames_overwritten_total",
		Help: "Reconstructed frames the presenter never took before the next publish.",
	})
	bytesDecompressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inkcast_bytes_decompressed_total",
		Help: "Cumulative decompressed bytes across all ingested frame packets.",
	})
	sequenceGaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inkcast_sequence_gaps_total",
		Help: "Cumulative count of gapped sequence numbers observed on the frame stream.",
	})
)

func init() {
	prometheus.MustRegister(framesIngested, framesOverwritten, bytesDecompressed, sequenceGaps)
}

// Stats holds the running counters for one session. The zero value is
// ready to use. Safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	start time.Time

	framesIngested    int64
	framesOverwritten int64
	bytesIn           int64
	sequenceGaps      int64
	backendFallbacks  int64
	deltasSkipped     int64

	lastPacketKind string
	lastPayloadLen int

	// Per-stage cumulative durations and sample counts, averaged in
	// snapshot() — the same "average per-stage ms" breakdown the original
	// decode_thread stat line reports (recv, lz4, delta, gpu upload, swap).
	recvDurSum, lz4DurSum, deltaDurSum time.Duration
	ingestSamples                      int64
	uploadDurSum, swapDurSum           time.Duration
	presentSamples                     int64
}

// New returns a Stats with its start time set to now.
func New() *Stats {
	return &Stats{start: time.Now()}
}

// RecordFrame counts one successfully reconstructed frame of n
// decompressed bytes.
func (s *Stats) RecordFrame(n int) {
	s.mu.Lock()
	s.framesIngested++
	s.bytesIn += int64(n)
	s.mu.Unlock()

	framesIngested.Inc()
	bytesDecompressed.Add(float64(n))
}

// RecordOverwritten counts n handoff frames dropped before being taken.
func (s *Stats) RecordOverwritten(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.framesOverwritten += int64(n)
	s.mu.Unlock()
	framesOverwritten.Add(float64(n))
}

// RecordSequenceGap counts n gapped sequence numbers.
func (s *Stats) RecordSequenceGap(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.sequenceGaps += int64(n)
	s.mu.Unlock()
	sequenceGaps.Add(float64(n))
}

// RecordBackendFallback counts n GPU->CPU presenter fallbacks.
func (s *Stats) RecordBackendFallback(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.backendFallbacks += int64(n)
	s.mu.Unlock()
}

// RecordDeltaSkipped counts n deltas whose XOR application was skipped
// under reconstruct.Config.SkipTinyDeltas.
func (s *Stats) RecordDeltaSkipped(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.deltasSkipped += int64(n)
	s.mu.Unlock()
}

// RecordPacketMeta records the most recently ingested packet's kind
// ("keyframe" or "delta") and wire payload length, for the periodic stat
// line's "last packet" field.
func (s *Stats) RecordPacketMeta(kind string, payloadLen int) {
	s.mu.Lock()
	s.lastPacketKind = kind
	s.lastPayloadLen = payloadLen
	s.mu.Unlock()
}

// RecordIngestStages accumulates one frame's recv/lz4-decompress/delta-apply
// durations into the running per-stage averages.
func (s *Stats) RecordIngestStages(recv, lz4, delta time.Duration) {
	s.mu.Lock()
	s.recvDurSum += recv
	s.lz4DurSum += lz4
	s.deltaDurSum += delta
	s.ingestSamples++
	s.mu.Unlock()
}

// RecordPresentStages accumulates one frame's texture-upload-or-blit and
// surface-commit durations into the running per-stage averages.
func (s *Stats) RecordPresentStages(upload, swap time.Duration) {
	s.mu.Lock()
	s.uploadDurSum += upload
	s.swapDurSum += swap
	s.presentSamples++
	s.mu.Unlock()
}

type snapshot struct {
	framesIngested    int64
	framesOverwritten int64
	bytesIn           int64
	sequenceGaps      int64
	backendFallbacks  int64
	deltasSkipped     int64
	lastPacketKind    string
	lastPayloadLen    int
	elapsed           time.Duration
	fps               float64

	avgRecvMs, avgLZ4Ms, avgDeltaMs float64
	avgUploadMs, avgSwapMs         float64
}

func avgMs(sum time.Duration, samples int64) float64 {
	if samples == 0 {
		return 0
	}
	return float64(sum.Microseconds()) / float64(samples) / 1000
}

func (s *Stats) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.start)
	fps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		fps = float64(s.presentSamples) / secs
	}

	return snapshot{
		framesIngested:    s.framesIngested,
		framesOverwritten: s.framesOverwritten,
		bytesIn:           s.bytesIn,
		sequenceGaps:      s.sequenceGaps,
		backendFallbacks:  s.backendFallbacks,
		deltasSkipped:     s.deltasSkipped,
		lastPacketKind:    s.lastPacketKind,
		lastPayloadLen:    s.lastPayloadLen,
		elapsed:           elapsed,
		fps:               fps,
		avgRecvMs:         avgMs(s.recvDurSum, s.ingestSamples),
		avgLZ4Ms:          avgMs(s.lz4DurSum, s.ingestSamples),
		avgDeltaMs:        avgMs(s.deltaDurSum, s.ingestSamples),
		avgUploadMs:       avgMs(s.uploadDurSum, s.presentSamples),
		avgSwapMs:         avgMs(s.swapDurSum, s.presentSamples),
	}
}

// LogPeriodic emits one colorized one-line summary. Intended to be called
// from a time.Ticker in the session controller every reporting interval.
// If the sequence-gap count is nonzero, it is logged at Warn instead of
// Info: a gap can't legitimately occur on a well-formed TCP stream.
func (s *Stats) LogPeriodic(log *zap.Logger) {
	snap := s.snapshot()

	line := fmt.Sprintf(
		"%sframes=%d%s overwritten=%d in=%s%s fps=%.1f last=%s/%dB avg_ms(recv=%.2f lz4=%.2f delta=%.2f upload=%.2f swap=%.2f) elapsed=%s",
		ansi.Green, snap.framesIngested, ansi.Reset,
		snap.framesOverwritten, humanize.Bytes(uint64(snap.bytesIn)), ansi.Reset,
		snap.fps, snap.lastPacketKind, snap.lastPayloadLen,
		snap.avgRecvMs, snap.avgLZ4Ms, snap.avgDeltaMs, snap.avgUploadMs, snap.avgSwapMs,
		snap.elapsed.Round(time.Second),
	)

	if snap.sequenceGaps > 0 {
		log.Warn(line, zap.Int64("sequence_gaps", snap.sequenceGaps))
	} else {
		log.Info(line)
	}
}

// WriteSummaryTable writes the final shutdown summary table to w.
func (s *Stats) WriteSummaryTable(w io.Writer) {
	snap := s.snapshot()

	tui.Table(w, []string{"Session Stat", "Value"}, [][]string{
		{"frames reconstructed", strconv.FormatInt(snap.framesIngested, 10)},
		{"frames overwritten", strconv.FormatInt(snap.framesOverwritten, 10)},
		{"bytes decompressed", humanize.Bytes(uint64(snap.bytesIn))},
		{"sequence gaps", strconv.FormatInt(snap.sequenceGaps, 10)},
		{"deltas skipped (tiny)", strconv.FormatInt(snap.deltasSkipped, 10)},
		{"presenter backend fallbacks", strconv.FormatInt(snap.backendFallbacks, 10)},
		{"average fps", strconv.FormatFloat(snap.fps, 'f', 1, 64)},
		{"avg recv ms", strconv.FormatFloat(snap.avgRecvMs, 'f', 2, 64)},
		{"avg lz4 ms", strconv.FormatFloat(snap.avgLZ4Ms, 'f', 2, 64)},
		{"avg delta ms", strconv.FormatFloat(snap.avgDeltaMs, 'f', 2, 64)},
		{"avg gpu/cpu upload ms", strconv.FormatFloat(snap.avgUploadMs, 'f', 2, 64)},
		{"avg swap ms", strconv.FormatFloat(snap.avgSwapMs, 'f', 2, 64)},
		{"last packet", fmt.Sprintf("%s/%dB", snap.lastPacketKind, snap.lastPayloadLen)},
		{"session duration", snap.elapsed.Round(time.Second).String()},
	})
}
