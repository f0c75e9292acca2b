package media

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Quality is the coarse connection quality tier shown in the call UI. It is
// display-only: renegotiation decisions are never driven by it.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityExcellent
	QualityGood
	QualityFair
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	}
	return "unknown"
}

// sampleEvery is the quality sampling interval while the call is up.
const sampleEvery = 2 * time.Second

// Classify maps packet loss (percent) and round-trip time onto a quality
// tier using fixed thresholds.
func Classify(lossPercent float64, rtt time.Duration) Quality {
	switch {
	case lossPercent < 1 && rtt < 100*time.Millisecond:
		return QualityExcellent
	case lossPercent < 3 && rtt < 300*time.Millisecond:
		return QualityGood
	case lossPercent < 8 && rtt < 500*time.Millisecond:
		return QualityFair
	default:
		return QualityPoor
	}
}

// sampleQuality periodically reads transport statistics and reports the
// classified tier. It runs for the Manager's lifetime and reports only while
// ICE is connected.
func (m *Manager) sampleQuality() {
	ticker := time.NewTicker(sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			closed := m.closed
			pc := m.pc
			m.mu.Unlock()
			if closed {
				return
			}

			ice := pc.ICEConnectionState()
			if ice != webrtc.ICEConnectionStateConnected && ice != webrtc.ICEConnectionStateCompleted {
				continue
			}

			quality := classifyReport(pc.GetStats())
			if m.events.Quality != nil {
				m.events.Quality(quality)
			}

		case <-m.samplerStop:
			return
		}
	}
}

// classifyReport aggregates packet loss across inbound RTP streams and RTT
// across remote inbound reports, then classifies the result.
func classifyReport(report webrtc.StatsReport) Quality {
	var lost, received int64
	var rttSum float64
	var rttCount int

	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			lost += int64(st.PacketsLost)
			received += int64(st.PacketsReceived)
		case webrtc.RemoteInboundRTPStreamStats:
			if st.RoundTripTime > 0 {
				rttSum += st.RoundTripTime
				rttCount++
			}
		}
	}

	var lossPercent float64
	if received > 0 {
		lossPercent = float64(lost) / float64(received) * 100
	}
	var rtt time.Duration
	if rttCount > 0 {
		rtt = time.Duration(rttSum / float64(rttCount) * float64(time.Second))
	}

	return Classify(lossPercent, rtt)
}
