package interval

import "github.com/relabs-tech/inertial_calibrator/internal/triad"

// StaticIntervalResult is the accumulated statistics of one completed static
// segment, ready to become a calibration measurement.
type StaticIntervalResult struct {
	Avg     triad.Triad
	Std     triad.Triad
	Samples uint64
}

// Collector is a Listener that records every completed static interval. A
// trailing static segment with no closing transition is picked up by Flush.
type Collector struct {
	Intervals []StaticIntervalResult

	samplesAtOpen uint64
}

var _ Listener = (*Collector)(nil)

func (c *Collector) OnInitializationStarted(d *Detector) {
	c.samplesAtOpen = d.ProcessedSamples()
}

func (c *Collector) OnInitializationCompleted(d *Detector, baseNoiseLevel float64) {}

func (c *Collector) OnStaticIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	c.samplesAtOpen = d.ProcessedSamples()
}

func (c *Collector) OnDynamicIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	c.Intervals = append(c.Intervals, StaticIntervalResult{
		Avg:     accAvg,
		Std:     accStd,
		Samples: d.ProcessedSamples() - c.samplesAtOpen,
	})
}

func (c *Collector) OnError(d *Detector, accumulatedNoise, instantaneousNoise float64, reason FailReason) {}

func (c *Collector) OnReset(d *Detector) {
	c.Intervals = nil
	c.samplesAtOpen = 0
}

// Flush appends the still-open static segment, if any. Call it once the
// stream ends.
func (c *Collector) Flush(d *Detector) {
	if d.Status() != StaticInterval && d.Status() != InitializationCompleted {
		return
	}
	if d.AccumulatedSamples() == 0 {
		return
	}
	c.Intervals = append(c.Intervals, StaticIntervalResult{
		Avg:     d.AccumulatedAvg(),
		Std:     d.AccumulatedStd(),
		Samples: d.AccumulatedSamples(),
	})
}
