package interval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/inertial_calibrator/internal/triad"
)

// transitionRecorder counts listener callbacks in arrival order.
type transitionRecorder struct {
	events       []string
	initNoise    float64
	errReason    FailReason
	lockedErrors []error
}

func (r *transitionRecorder) OnInitializationStarted(d *Detector) {
	r.events = append(r.events, "init-start")
}

func (r *transitionRecorder) OnInitializationCompleted(d *Detector, baseNoiseLevel float64) {
	r.events = append(r.events, "init-done")
	r.initNoise = baseNoiseLevel
	// Mutating from a callback must fail like any concurrent caller.
	r.lockedErrors = append(r.lockedErrors, d.SetThresholdFactor(3))
}

func (r *transitionRecorder) OnStaticIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	r.events = append(r.events, "static")
}

func (r *transitionRecorder) OnDynamicIntervalDetected(d *Detector, instAvg, instStd, accAvg, accStd triad.Triad) {
	r.events = append(r.events, "dynamic")
}

func (r *transitionRecorder) OnError(d *Detector, accumulatedNoise, instantaneousNoise float64, reason FailReason) {
	r.events = append(r.events, "error")
	r.errReason = reason
}

func (r *transitionRecorder) OnReset(d *Detector) {
	r.events = append(r.events, "reset")
}

func newTestDetector(t *testing.T, window, initial int) *Detector {
	t.Helper()
	d := NewDetector()
	require.NoError(t, d.SetWindowSize(window))
	require.NoError(t, d.SetInitialStaticSamples(initial))
	require.NoError(t, d.SetBaseNoiseLevelAbsoluteThreshold(0.5))
	require.NoError(t, d.SetInstantaneousNoiseLevelFactor(1))
	require.NoError(t, d.SetTimeInterval(0.02))
	return d
}

// feedStatic feeds n stationary samples around gravity with a deterministic
// alternating dither of amplitude sigma, so windowed statistics are exactly
// reproducible.
func feedStatic(t *testing.T, d *Detector, n int, sigma float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		e := sigma
		if i%2 == 1 {
			e = -sigma
		}
		require.True(t, d.ProcessComponents(e, e, 9.81+e))
	}
}

func TestInitializationDerivesThreshold(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	require.NoError(t, d.SetThresholdFactor(2))

	feedStatic(t, d, 39, 1e-3)
	assert.Equal(t, Initializing, d.Status())
	assert.Zero(t, d.BaseNoiseLevel())

	feedStatic(t, d, 1, 1e-3)
	assert.Equal(t, InitializationCompleted, d.Status())
	assert.Greater(t, d.BaseNoiseLevel(), 0.0)
	assert.Equal(t, d.BaseNoiseLevel()*2, d.Threshold())

	// Next processed sample moves straight into a static interval.
	feedStatic(t, d, 1, 1e-3)
	assert.Equal(t, StaticInterval, d.Status())
}

func TestNoiseLevelPSDForms(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	require.NoError(t, d.SetTimeInterval(0.01))

	feedStatic(t, d, 60, 1e-3)

	assert.Equal(t, d.BaseNoiseLevel()*math.Sqrt(0.01), d.BaseNoiseLevelRootPSD())
	assert.Equal(t, d.BaseNoiseLevelRootPSD()*d.BaseNoiseLevelRootPSD(), d.BaseNoiseLevelPSD())
	assert.Equal(t, d.AccumulatedNoiseLevel()*math.Sqrt(0.01), d.AccumulatedNoiseLevelRootPSD())
	assert.Equal(t, d.InstantaneousNoiseLevel()*math.Sqrt(0.01), d.InstantaneousNoiseLevelRootPSD())
	assert.Equal(t, d.InstantaneousNoiseLevelRootPSD()*d.InstantaneousNoiseLevelRootPSD(),
		d.InstantaneousNoiseLevelPSD())
}

func TestResetIsIdempotent(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	feedStatic(t, d, 50, 1e-3)

	d.Reset()
	afterOne := *d
	d.Reset()
	afterTwo := *d

	assert.Equal(t, Idle, d.Status())
	assert.Equal(t, ReasonNone, d.Reason())
	assert.Zero(t, d.ProcessedSamples())
	assert.Zero(t, d.BaseNoiseLevel())
	assert.Zero(t, d.Threshold())
	assert.Equal(t, afterOne.status, afterTwo.status)
	assert.Equal(t, afterOne.processed, afterTwo.processed)
	assert.Equal(t, afterOne.acc, afterTwo.acc)
	assert.Equal(t, afterOne.winAvg, afterTwo.winAvg)
}

func TestProcessedSamplesMonotonic(t *testing.T) {
	d := newTestDetector(t, 5, 40)

	var prev uint64
	for i := 0; i < 25; i++ {
		e := 1e-3
		if i%2 == 1 {
			e = -1e-3
		}
		require.True(t, d.ProcessComponents(e, e, 9.81))
		require.Equal(t, prev+1, d.ProcessedSamples())
		prev = d.ProcessedSamples()
	}

	// Malformed input neither counts nor advances the state machine.
	assert.False(t, d.ProcessComponents(math.NaN(), 0, 0))
	assert.Equal(t, prev, d.ProcessedSamples())

	wrongUnit, err := triad.New(0, 0, 9.81, triad.Teslas)
	require.NoError(t, err)
	assert.False(t, d.Process(wrongUnit))
	assert.Equal(t, prev, d.ProcessedSamples())
}

func TestStaticDynamicStaticScenario(t *testing.T) {
	d := newTestDetector(t, 3, 20)
	rec := &transitionRecorder{}
	require.NoError(t, d.SetListener(rec))

	feedStatic(t, d, 50, 1e-3)

	// Ten large-amplitude samples. The sign alternates so the windowed
	// deviation stays high for the entire burst.
	for i := 0; i < 10; i++ {
		amp := 5.0
		if i%2 == 1 {
			amp = -5.0
		}
		require.True(t, d.ProcessComponents(amp, amp, 9.81+amp))
	}

	feedStatic(t, d, 50, 1e-3)

	var transitions []string
	for _, e := range rec.events {
		if e == "static" || e == "dynamic" {
			transitions = append(transitions, e)
		}
	}
	assert.Equal(t, []string{"dynamic", "static"}, transitions)
	assert.Equal(t, StaticInterval, d.Status())
}

func TestSuddenExcessiveMovementFails(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	rec := &transitionRecorder{}
	require.NoError(t, d.SetListener(rec))

	feedStatic(t, d, 10, 1e-3)
	// A violent jump mid-initialization trips the absolute ceiling.
	require.True(t, d.ProcessComponents(50, -50, 50))

	assert.Equal(t, Failed, d.Status())
	assert.Equal(t, ReasonSuddenExcessiveMovement, d.Reason())
	assert.Equal(t, ReasonSuddenExcessiveMovement, rec.errReason)

	// Terminal until reset.
	assert.False(t, d.ProcessComponents(0, 0, 9.81))
	d.Reset()
	assert.Equal(t, Idle, d.Status())
	assert.True(t, d.ProcessComponents(0, 0, 9.81))
}

func TestOverallExcessiveMovementFails(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	require.NoError(t, d.SetBaseNoiseLevelAbsoluteThreshold(0.05))
	rec := &transitionRecorder{}
	require.NoError(t, d.SetListener(rec))

	// A slow drift: every window looks quiet, but the accumulated deviation
	// over the whole initialization segment is large.
	for i := 0; i < 40; i++ {
		require.True(t, d.ProcessComponents(float64(i)*0.025, 0, 9.81))
	}

	assert.Equal(t, Failed, d.Status())
	assert.Equal(t, ReasonOverallExcessiveMovement, d.Reason())
}

func TestMutatorsLockedWhileRunning(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	require.True(t, d.ProcessComponents(0, 0, 9.81))
	require.True(t, d.Running())

	assert.ErrorIs(t, d.SetWindowSize(7), ErrLocked)
	assert.ErrorIs(t, d.SetInitialStaticSamples(100), ErrLocked)
	assert.ErrorIs(t, d.SetThresholdFactor(3), ErrLocked)
	assert.ErrorIs(t, d.SetInstantaneousNoiseLevelFactor(3), ErrLocked)
	assert.ErrorIs(t, d.SetBaseNoiseLevelAbsoluteThreshold(1), ErrLocked)
	assert.ErrorIs(t, d.SetTimeInterval(0.1), ErrLocked)
	assert.ErrorIs(t, d.SetNoiseNorm(NormMaxComponent), ErrLocked)
	assert.ErrorIs(t, d.SetUnit(triad.Teslas), ErrLocked)
	assert.ErrorIs(t, d.SetListener(nil), ErrLocked)

	// Prior configuration is unchanged.
	assert.Equal(t, 5, d.WindowSize())
	assert.Equal(t, 40, d.InitialStaticSamples())
	assert.Equal(t, NormEuclidean, d.NoiseNorm())
	assert.Equal(t, triad.MetersPerSquaredSecond, d.Unit())
}

func TestListenerMutationGetsLocked(t *testing.T) {
	d := newTestDetector(t, 5, 40)
	rec := &transitionRecorder{}
	require.NoError(t, d.SetListener(rec))

	feedStatic(t, d, 40, 1e-3)

	require.NotEmpty(t, rec.lockedErrors)
	for _, err := range rec.lockedErrors {
		assert.ErrorIs(t, err, ErrLocked)
	}
}

func TestInvalidConfigurationRejected(t *testing.T) {
	d := NewDetector()

	assert.Error(t, d.SetWindowSize(1))
	assert.Error(t, d.SetInitialStaticSamples(3))
	assert.Error(t, d.SetThresholdFactor(0))
	assert.Error(t, d.SetInstantaneousNoiseLevelFactor(-1))
	assert.Error(t, d.SetBaseNoiseLevelAbsoluteThreshold(math.NaN()))
	assert.Error(t, d.SetTimeInterval(0))
	assert.Error(t, d.SetNoiseNorm(NoiseNorm(99)))
	assert.ErrorIs(t, d.SetUnit(""), triad.ErrNoUnit)

	// Defaults survive every rejected call.
	assert.Equal(t, DefaultWindowSize, d.WindowSize())
	assert.Equal(t, DefaultInitialStaticSamples, d.InitialStaticSamples())
}

func TestCollectorRecordsStaticIntervals(t *testing.T) {
	d := newTestDetector(t, 3, 20)
	col := &Collector{}
	require.NoError(t, d.SetListener(col))

	feedStatic(t, d, 50, 1e-3)
	for i := 0; i < 10; i++ {
		amp := 5.0
		if i%2 == 1 {
			amp = -5.0
		}
		require.True(t, d.ProcessComponents(amp, amp, 9.81+amp))
	}
	feedStatic(t, d, 50, 1e-3)
	col.Flush(d)

	require.Len(t, col.Intervals, 2)
	for _, iv := range col.Intervals {
		assert.InDelta(t, 0.0, iv.Avg.X, 0.01)
		assert.InDelta(t, 9.81, iv.Avg.Z, 0.01)
		assert.Greater(t, iv.Samples, uint64(0))
	}
}

func TestMaxComponentNorm(t *testing.T) {
	d := NewDetector()
	require.NoError(t, d.SetNoiseNorm(NormMaxComponent))
	d.winStd = [3]float64{0.1, 0.3, 0.2}
	assert.Equal(t, 0.3, d.InstantaneousNoiseLevel())

	require.NoError(t, d.SetNoiseNorm(NormEuclidean))
	assert.InDelta(t, math.Sqrt(0.01+0.09+0.04), d.InstantaneousNoiseLevel(), 1e-15)
}
