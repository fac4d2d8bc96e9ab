package ts3full

import (
	"time"

	"github.com/rs/zerolog/log"
)

// rtoEstimator keeps the RFC 6298 smoothed round trip time and derives the
// retransmission timeout from it.
//
// RTO = SRTT + max(clockRes, 4*RTTVAR), clamped to maxRTO.
// Every retransmission doubles the RTO, never past maxRTO.
//
// Not safe for concurrent use; the packet handler guards it with its mutex.
type rtoEstimator struct {
	srtt        time.Duration
	rttVariance time.Duration
	rto         time.Duration
	lastRTT     time.Duration
	samples     int

	clockRes time.Duration
	maxRTO   time.Duration
}

func newRTOEstimator(clockRes, maxRTO time.Duration) *rtoEstimator {
	return &rtoEstimator{
		clockRes: clockRes,
		maxRTO:   maxRTO,
		rto:      maxRTO,
	}
}

// seed starts the estimator from values remembered for the same server.
func (e *rtoEstimator) seed(srtt, rttVariance time.Duration) {
	if srtt <= 0 {
		return
	}
	e.srtt = srtt
	e.rttVariance = rttVariance
	e.calculateRTO()
	log.Debug().
		Dur("srtt", e.srtt).
		Dur("rttVar", e.rttVariance).
		Dur("rto", e.rto).
		Msg("seeded RTT estimate from cache")
}

// update folds one RTT sample into SRTT and RTTVAR and recomputes the RTO.
func (e *rtoEstimator) update(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	e.lastRTT = rtt
	e.samples++

	if e.srtt == 0 {
		e.srtt = rtt
		e.rttVariance = rtt / 2
		e.calculateRTO()
		log.Debug().
			Dur("rtt", rtt).
			Dur("srtt", e.srtt).
			Dur("rttVar", e.rttVariance).
			Msg("first RTT measurement")
		return
	}

	const alpha = 0.125 // 1/8
	const beta = 0.25   // 1/4

	diff := e.srtt - rtt
	if diff < 0 {
		diff = -diff
	}

	e.rttVariance = time.Duration(float64(e.rttVariance)*(1-beta) + beta*float64(diff))
	e.srtt = time.Duration(float64(e.srtt)*(1-alpha) + alpha*float64(rtt))
	e.calculateRTO()

	log.Trace().
		Dur("rtt", rtt).
		Dur("srtt", e.srtt).
		Dur("rttVar", e.rttVariance).
		Dur("rto", e.rto).
		Msg("updated RTT estimate")
}

func (e *rtoEstimator) calculateRTO() {
	variance := 4 * e.rttVariance
	if variance < e.clockRes {
		variance = e.clockRes
	}
	e.rto = e.srtt + variance
	if e.rto > e.maxRTO {
		e.rto = e.maxRTO
	}
}

// backoff doubles the RTO after a retransmission.
func (e *rtoEstimator) backoff() {
	old := e.rto
	e.rto *= 2
	if e.rto > e.maxRTO {
		e.rto = e.maxRTO
	}
	if e.rto != old {
		log.Debug().
			Dur("oldRTO", old).
			Dur("newRTO", e.rto).
			Msg("packet timed out, applying exponential backoff")
	}
}

// RTO returns the current retransmission timeout.
func (e *rtoEstimator) RTO() time.Duration { return e.rto }

// SRTT returns the smoothed round trip time, zero before the first sample.
func (e *rtoEstimator) SRTT() time.Duration { return e.srtt }

// RTTVariance returns the round trip time variance.
func (e *rtoEstimator) RTTVariance() time.Duration { return e.rttVariance }
