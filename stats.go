package ts3full

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const (
	// rttSampleWindow is how many recent RTT samples are kept for averaging.
	rttSampleWindow = 50

	// DefaultTraceSize is the byte capacity of the packet trace ring.
	DefaultTraceSize = 16 * 1024
)

// NetworkStats counts traffic of one connection.
//
// Design rationale:
//   - Counters are atomics so the send and receive paths never contend
//   - RTT samples and the packet trace share a small mutex
//   - Implements prometheus.Collector so callers can register a connection
//     without the handler depending on a registry
type NetworkStats struct {
	outPackets [packetTypeKinds]atomic.Uint64
	inPackets  [packetTypeKinds]atomic.Uint64
	outBytes   [packetTypeKinds]atomic.Uint64
	inBytes    [packetTypeKinds]atomic.Uint64

	resends     atomic.Uint64
	lostPings   atomic.Uint64
	dropped     atomic.Uint64
	decryptFail atomic.Uint64

	mu         sync.Mutex
	rttSamples []time.Duration
	rttNext    int
	trace      *circbuf.Buffer
}

// NetworkStatsSnapshot is a point-in-time copy of NetworkStats.
type NetworkStatsSnapshot struct {
	OutPackets map[PacketType]uint64
	InPackets  map[PacketType]uint64
	OutBytes   map[PacketType]uint64
	InBytes    map[PacketType]uint64

	Resends       uint64
	LostPings     uint64
	Dropped       uint64
	DecryptFailed uint64
	RTTSamples    int
	AverageRTT    time.Duration
	LastRTT       time.Duration
}

// NewNetworkStats creates statistics with a packet trace of traceSize bytes.
// A traceSize of zero disables the trace.
func NewNetworkStats(traceSize int64) *NetworkStats {
	s := &NetworkStats{
		rttSamples: make([]time.Duration, 0, rttSampleWindow),
	}
	if traceSize > 0 {
		buf, err := circbuf.NewBuffer(traceSize)
		if err != nil {
			log.Warn().Err(err).Msg("failed to create packet trace buffer")
		} else {
			s.trace = buf
		}
	}
	return s
}

// logOutgoing counts one sent datagram.
func (s *NetworkStats) logOutgoing(p *Packet) {
	if !p.Type.IsValid() {
		return
	}
	s.outPackets[p.Type].Add(1)
	s.outBytes[p.Type].Add(uint64(len(p.Raw)))
	s.traceLine("out", p)
}

// logIncoming counts one received, authenticated datagram.
func (s *NetworkStats) logIncoming(p *Packet) {
	if !p.Type.IsValid() {
		return
	}
	s.inPackets[p.Type].Add(1)
	s.inBytes[p.Type].Add(uint64(len(p.Raw)))
	s.traceLine("in", p)
}

func (s *NetworkStats) logResend()      { s.resends.Add(1) }
func (s *NetworkStats) logDropped()     { s.dropped.Add(1) }
func (s *NetworkStats) logDecryptFail() { s.decryptFail.Add(1) }

// logLostPings adds pings the server sent that never arrived.
func (s *NetworkStats) logLostPings(n int) {
	if n > 0 {
		s.lostPings.Add(uint64(n))
	}
}

// addRTT records one round trip sample, keeping the most recent window.
func (s *NetworkStats) addRTT(rtt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rttSamples) < rttSampleWindow {
		s.rttSamples = append(s.rttSamples, rtt)
		s.rttNext = len(s.rttSamples) % rttSampleWindow
		return
	}
	s.rttSamples[s.rttNext] = rtt
	s.rttNext = (s.rttNext + 1) % rttSampleWindow
}

func (s *NetworkStats) traceLine(dir string, p *Packet) {
	if s.trace == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.trace, "%s %-3s %-12s id=%-5d gen=%d flags=%s raw=%d\n",
		time.Now().Format("15:04:05.000"), dir, p.Type, p.PacketID, p.GenerationID, p.Flags, len(p.Raw))
}

// Trace returns the most recent packet trace lines, oldest first.
// The first line may be cut off.
func (s *NetworkStats) Trace() string {
	if s.trace == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trace.String()
}

// Snapshot returns a copy of all counters.
func (s *NetworkStats) Snapshot() NetworkStatsSnapshot {
	snap := NetworkStatsSnapshot{
		OutPackets:    make(map[PacketType]uint64, packetTypeKinds),
		InPackets:     make(map[PacketType]uint64, packetTypeKinds),
		OutBytes:      make(map[PacketType]uint64, packetTypeKinds),
		InBytes:       make(map[PacketType]uint64, packetTypeKinds),
		Resends:       s.resends.Load(),
		LostPings:     s.lostPings.Load(),
		Dropped:       s.dropped.Load(),
		DecryptFailed: s.decryptFail.Load(),
	}
	for t := PacketType(0); t < packetTypeKinds; t++ {
		snap.OutPackets[t] = s.outPackets[t].Load()
		snap.InPackets[t] = s.inPackets[t].Load()
		snap.OutBytes[t] = s.outBytes[t].Load()
		snap.InBytes[t] = s.inBytes[t].Load()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	snap.RTTSamples = len(s.rttSamples)
	if n := len(s.rttSamples); n > 0 {
		var sum time.Duration
		for _, r := range s.rttSamples {
			sum += r
		}
		snap.AverageRTT = sum / time.Duration(n)
		snap.LastRTT = s.rttSamples[(s.rttNext-1+n)%n]
	}
	return snap
}

var (
	statsPacketsDesc = prometheus.NewDesc(
		"ts3_packets_total",
		"Datagrams sent or received, by direction and packet type.",
		[]string{"direction", "type"}, nil)
	statsBytesDesc = prometheus.NewDesc(
		"ts3_bytes_total",
		"Datagram bytes sent or received, by direction and packet type.",
		[]string{"direction", "type"}, nil)
	statsResendsDesc = prometheus.NewDesc(
		"ts3_resends_total",
		"Retransmitted Command, CommandLow and Init1 packets.", nil, nil)
	statsLostPingsDesc = prometheus.NewDesc(
		"ts3_lost_pings_total",
		"Server pings detected as lost by their id gaps.", nil, nil)
	statsDroppedDesc = prometheus.NewDesc(
		"ts3_dropped_total",
		"Received datagrams dropped as duplicate, malformed or foreign.", nil, nil)
	statsDecryptDesc = prometheus.NewDesc(
		"ts3_decrypt_failures_total",
		"Received datagrams that failed authentication.", nil, nil)
	statsRTTDesc = prometheus.NewDesc(
		"ts3_rtt_average_seconds",
		"Average of the recent round trip samples.", nil, nil)
)

// Describe implements prometheus.Collector.
func (s *NetworkStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- statsPacketsDesc
	ch <- statsBytesDesc
	ch <- statsResendsDesc
	ch <- statsLostPingsDesc
	ch <- statsDroppedDesc
	ch <- statsDecryptDesc
	ch <- statsRTTDesc
}

// Collect implements prometheus.Collector.
func (s *NetworkStats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	for t := PacketType(0); t < packetTypeKinds; t++ {
		name := t.String()
		ch <- prometheus.MustNewConstMetric(statsPacketsDesc, prometheus.CounterValue, float64(snap.OutPackets[t]), "out", name)
		ch <- prometheus.MustNewConstMetric(statsPacketsDesc, prometheus.CounterValue, float64(snap.InPackets[t]), "in", name)
		ch <- prometheus.MustNewConstMetric(statsBytesDesc, prometheus.CounterValue, float64(snap.OutBytes[t]), "out", name)
		ch <- prometheus.MustNewConstMetric(statsBytesDesc, prometheus.CounterValue, float64(snap.InBytes[t]), "in", name)
	}
	ch <- prometheus.MustNewConstMetric(statsResendsDesc, prometheus.CounterValue, float64(snap.Resends))
	ch <- prometheus.MustNewConstMetric(statsLostPingsDesc, prometheus.CounterValue, float64(snap.LostPings))
	ch <- prometheus.MustNewConstMetric(statsDroppedDesc, prometheus.CounterValue, float64(snap.Dropped))
	ch <- prometheus.MustNewConstMetric(statsDecryptDesc, prometheus.CounterValue, float64(snap.DecryptFailed))
	ch <- prometheus.MustNewConstMetric(statsRTTDesc, prometheus.GaugeValue, snap.AverageRTT.Seconds())
}
