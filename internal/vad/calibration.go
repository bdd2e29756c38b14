package vad

import (
	"math"
	"sort"
	"time"
)

const (
	// calibrationInterval is the minimum spacing between metric recomputes.
	calibrationInterval = 2 * time.Second

	// driftInterval is how often the threshold steps back toward the base
	// value regardless of environment classification.
	driftInterval = 30 * time.Second
)

// appendCalibration adds a frame to the rolling buffer and evicts entries
// older than the calibration window. Callers hold e.mu.
func (e *Engine) appendCalibration(frame []int16, now time.Time) {
	copied := make([]int16, len(frame))
	copy(copied, frame)
	e.buffer = append(e.buffer, bufferedFrame{at: now, samples: copied})
	e.bufferSamples += len(copied)

	cutoff := now.Add(-time.Duration(e.cfg.CalibrationWindowMs) * time.Millisecond)
	evict := 0
	for evict < len(e.buffer) && e.buffer[evict].at.Before(cutoff) {
		e.bufferSamples -= len(e.buffer[evict].samples)
		evict++
	}
	if evict > 0 {
		e.buffer = e.buffer[evict:]
	}
}

// calibrationMetrics holds the statistics computed over the rolling window.
type calibrationMetrics struct {
	rms          float64
	peak         float64
	noiseFloor   float64 // 10th percentile of |samples|
	snrDB        float64
	dynamicRange float64 // 20*log10(p90/p10)
}

// computeMetrics runs over the concatenated buffer. Callers hold e.mu.
func (e *Engine) computeMetrics() calibrationMetrics {
	abs := make([]float64, 0, e.bufferSamples)
	var sumSq float64
	peak := 0.0
	for _, bf := range e.buffer {
		for _, s := range bf.samples {
			v := math.Abs(float64(s)) / 32768.0
			abs = append(abs, v)
			sumSq += v * v
			if v > peak {
				peak = v
			}
		}
	}
	if len(abs) == 0 {
		return calibrationMetrics{}
	}

	sort.Float64s(abs)
	p10 := abs[len(abs)/10]
	p90 := abs[len(abs)*9/10]

	m := calibrationMetrics{
		rms:        math.Sqrt(sumSq / float64(len(abs))),
		peak:       peak,
		noiseFloor: p10,
	}
	if m.noiseFloor > 0 {
		m.snrDB = 20 * math.Log10(m.peak/m.noiseFloor)
	} else {
		m.snrDB = 60 // effectively clean
	}
	if p10 > 0 {
		m.dynamicRange = 20 * math.Log10(p90/p10)
	} else {
		m.dynamicRange = 60
	}
	return m
}

// calibrate recomputes environment metrics at most every calibrationInterval
// and adjusts the adaptive threshold. Callers hold e.mu.
func (e *Engine) calibrate(now time.Time) {
	if e.lastCalibration.IsZero() {
		e.lastCalibration = now
		e.lastDrift = now
		return
	}
	if now.Sub(e.lastCalibration) < calibrationInterval {
		e.maybeDrift(now)
		return
	}
	e.lastCalibration = now
	e.calibrationCount++

	m := e.computeMetrics()
	e.lastRMS = m.rms
	e.lastPeak = m.peak
	e.lastNoiseFloor = m.noiseFloor

	highNoise := m.noiseFloor > 0.018 ||
		(m.snrDB < 20 && m.rms > 0.009) ||
		(m.rms > 0.05 && m.dynamicRange < 10)
	lowNoise := (m.noiseFloor < 0.01 && m.snrDB > 20) || m.rms < 0.0025

	old := e.threshold
	switch {
	case highNoise:
		e.consecHighNoise++
		step := 0.05
		if m.snrDB < 10 {
			step = 0.08
		}
		// Trend strength: repeated high-noise calibrations push harder.
		switch {
		case e.consecHighNoise >= 3:
			step *= 2.0
		case e.consecHighNoise == 2:
			step *= 1.5
		}
		e.threshold += step

	case lowNoise:
		e.consecHighNoise = 0
		step := 0.05
		if m.rms < 0.0025 {
			step = 0.10
		}
		e.threshold -= step

	case m.peak > 0.85:
		e.consecHighNoise = 0
		e.threshold += 0.02

	case m.rms < 0.004:
		e.consecHighNoise = 0
		e.threshold -= 0.02

	default:
		e.consecHighNoise = 0
	}

	e.threshold = clampThreshold(e.threshold, e.cfg.MinThreshold, e.cfg.MaxThreshold)
	if e.threshold != old {
		e.logger.Debug("threshold recalibrated",
			"threshold", e.threshold,
			"noise_floor", m.noiseFloor,
			"snr_db", m.snrDB,
			"rms", m.rms,
			"consecutive_high_noise", e.consecHighNoise,
		)
	}

	e.maybeDrift(now)
}

// maybeDrift steps the threshold back toward the neutral base every
// driftInterval so a transient noise burst cannot deafen the call forever.
// Callers hold e.mu.
func (e *Engine) maybeDrift(now time.Time) {
	if e.lastDrift.IsZero() {
		e.lastDrift = now
		return
	}
	if now.Sub(e.lastDrift) < driftInterval {
		return
	}
	e.lastDrift = now

	diff := baseThreshold - e.threshold
	if diff == 0 {
		return
	}
	step := 0.03
	if math.Abs(diff) > 0.15 {
		step = 0.05
	}
	if math.Abs(diff) < step {
		e.threshold = baseThreshold
	} else if diff > 0 {
		e.threshold += step
	} else {
		e.threshold -= step
	}
	e.logger.Debug("threshold drift toward base", "threshold", e.threshold)
}
