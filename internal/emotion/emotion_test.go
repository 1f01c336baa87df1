package emotion

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/normanking/cortexcompanion/internal/vision"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls int32
	err   error
}

func (f *fakeSource) Capture(ctx context.Context) (*vision.Frame, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &vision.Frame{Data: []byte("jpeg")}, nil
}

type fakeClassifier struct {
	mu     sync.Mutex
	scores []map[string]float64
	calls  int
	err    error
	panics bool
}

func (f *fakeClassifier) Classify(ctx context.Context, frame *vision.Frame) (map[string]float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics {
		panic("model crashed")
	}
	if f.err != nil {
		return nil, f.err
	}
	s := f.scores[0]
	if len(f.scores) > 1 {
		f.scores = f.scores[1:]
	}
	return s, nil
}

func (f *fakeClassifier) Embed(ctx context.Context, frame *vision.Frame) ([]float64, error) {
	return nil, vision.ErrNoFace
}

type fakeMatcher struct {
	calibrated bool
	label      string
	similarity float64
}

func (f *fakeMatcher) HasCalibration(ctx context.Context, userID string) bool { return f.calibrated }

func (f *fakeMatcher) Match(ctx context.Context, userID string, frame *vision.Frame) (string, float64, bool) {
	return f.label, f.similarity, f.similarity > 0.7
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(src vision.Source, cls vision.Classifier, m Matcher) (*Detector, *testClock) {
	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	d := NewDetector(DefaultDetectorConfig(), src, NewAdapter(cls, zerolog.Nop()), m, nil, zerolog.Nop())
	d.now = clock.now
	return d, clock
}

func TestWindowStableLabel(t *testing.T) {
	tests := []struct {
		name      string
		samples   []Sample
		wantLabel Label
		wantMean  float64
	}{
		{
			name: "highest mean wins over most frequent",
			samples: []Sample{
				{Label: Sad, Confidence: 0.72},
				{Label: Sad, Confidence: 0.74},
				{Label: Happy, Confidence: 0.95},
			},
			wantLabel: Happy,
			wantMean:  0.95,
		},
		{
			name: "tie goes to first seen",
			samples: []Sample{
				{Label: Surprise, Confidence: 0.8},
				{Label: Happy, Confidence: 0.8},
			},
			wantLabel: Surprise,
			wantMean:  0.8,
		},
		{
			name: "below threshold forces neutral",
			samples: []Sample{
				{Label: Angry, Confidence: 0.6},
				{Label: Angry, Confidence: 0.5},
			},
			wantLabel: Neutral,
			wantMean:  0.55,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWindow(8)
			var label Label
			var mean float64
			for _, s := range tt.samples {
				label, mean = w.Add(s, 0.70)
			}
			assert.Equal(t, tt.wantLabel, label)
			assert.InDelta(t, tt.wantMean, mean, 1e-9)
		})
	}
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	w.Add(Sample{Label: Happy, Confidence: 0.99}, 0.7)
	for i := 0; i < 3; i++ {
		w.Add(Sample{Label: Sad, Confidence: 0.75}, 0.7)
	}

	label, mean := w.Add(Sample{Label: Sad, Confidence: 0.75}, 0.7)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, Sad, label)
	assert.InDelta(t, 0.75, mean, 1e-9)
}

func TestCorrectBias(t *testing.T) {
	cfg := DefaultDetectorConfig()
	tests := []struct {
		name      string
		scores    map[Label]float64
		wantLabel Label
		wantConf  float64
	}{
		{"weak fear becomes neutral", map[Label]float64{Fear: 75, Neutral: 65, Happy: 5}, Neutral, 0.65},
		{"weak sad becomes happy", map[Label]float64{Sad: 70, Neutral: 10, Happy: 60}, Happy, 0.60},
		{"neutral preferred over happy", map[Label]float64{Sad: 70, Neutral: 58, Happy: 62}, Neutral, 0.58},
		{"strong fear kept", map[Label]float64{Fear: 85, Neutral: 80}, Fear, 0.85},
		{"margin is strict", map[Label]float64{Fear: 75, Neutral: 60}, Fear, 0.75},
		{"other labels untouched", map[Label]float64{Angry: 50, Neutral: 49}, Angry, 0.50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Reading{Scores: tt.scores, Dominant: dominant(tt.scores)}
			label, conf := correctBias(r, cfg)
			assert.Equal(t, tt.wantLabel, label)
			assert.InDelta(t, tt.wantConf, conf, 1e-9)
		})
	}
}

func TestAdapterFallsBackToNeutral(t *testing.T) {
	frame := &vision.Frame{Data: []byte("x")}

	failing := NewAdapter(&fakeClassifier{err: errors.New("timeout")}, zerolog.Nop())
	r := failing.Classify(context.Background(), frame)
	assert.True(t, r.Degraded)
	assert.Equal(t, Neutral, r.Dominant)
	assert.Equal(t, 0.0, r.Confidence())

	panicking := NewAdapter(&fakeClassifier{panics: true}, zerolog.Nop())
	r = panicking.Classify(context.Background(), frame)
	assert.True(t, r.Degraded)

	ok := NewAdapter(&fakeClassifier{scores: []map[string]float64{{"HAPPY": 80, "sad": 80, "neutral": 1}}}, zerolog.Nop())
	r = ok.Classify(context.Background(), frame)
	assert.False(t, r.Degraded)
	assert.Equal(t, Happy, r.Dominant, "ties resolve by label order")
	assert.InDelta(t, 0.8, r.Confidence(), 1e-9)
}

func TestSampleCachesWithinTTL(t *testing.T) {
	src := &fakeSource{}
	cls := &fakeClassifier{scores: []map[string]float64{
		{"happy": 90, "neutral": 10},
		{"sad": 95, "neutral": 5},
	}}
	d, clock := newTestDetector(src, cls, nil)

	first := d.Sample(context.Background(), "", false)
	clock.advance(7 * time.Second)
	second := d.Sample(context.Background(), "", false)

	assert.Equal(t, first.Label, second.Label)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, SourceCache, second.Source)
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.calls))

	clock.advance(2 * time.Second)
	d.Sample(context.Background(), "", false)
	assert.EqualValues(t, 2, atomic.LoadInt32(&src.calls))

	d.Sample(context.Background(), "", true)
	assert.EqualValues(t, 3, atomic.LoadInt32(&src.calls), "bypass always captures")
}

func TestSampleSmoothsAndCaches(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{
		{"happy": 90, "neutral": 10},
		{"angry": 75, "neutral": 25},
	}}
	d, _ := newTestDetector(&fakeSource{}, cls, nil)

	s := d.Sample(context.Background(), "", true)
	assert.Equal(t, Happy, s.Label)
	assert.InDelta(t, 0.9, s.Confidence, 1e-9)

	s = d.Sample(context.Background(), "", true)
	assert.Equal(t, Happy, s.Label, "happy still has the highest mean")
	assert.Equal(t, s, d.Peek())
}

func TestSampleBiasCorrectionFeedsWindow(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{{"fear": 75, "neutral": 65}}}
	d, _ := newTestDetector(&fakeSource{}, cls, nil)

	s := d.Sample(context.Background(), "", true)
	assert.Equal(t, Neutral, s.Label)
	assert.InDelta(t, 0.65, s.Confidence, 1e-9)
}

func TestSampleCaptureFailure(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{{"happy": 90}}}
	src := &fakeSource{}
	d, _ := newTestDetector(src, cls, nil)

	good := d.Sample(context.Background(), "", true)
	require.Equal(t, Happy, good.Label)

	src.err = vision.ErrCameraNotAvailable
	s := d.Sample(context.Background(), "", true)
	assert.Equal(t, Neutral, s.Label)
	assert.Equal(t, 0.0, s.Confidence)
	assert.Equal(t, SourceFallback, s.Source)
	assert.Equal(t, Happy, d.Peek().Label, "failed capture leaves cache alone")
}

func TestSampleDegradedClassifierSkipsWindow(t *testing.T) {
	d, _ := newTestDetector(&fakeSource{}, &fakeClassifier{err: errors.New("down")}, nil)

	s := d.Sample(context.Background(), "", true)
	assert.Equal(t, Neutral, s.Label)
	assert.Equal(t, 0.0, s.Confidence)
	assert.Equal(t, 0, d.window.Len())
}

func TestSamplePersonalizedMatchSkipsClassifier(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{{"sad": 90}}}
	m := &fakeMatcher{calibrated: true, label: "happy", similarity: 0.91}
	d, _ := newTestDetector(&fakeSource{}, cls, m)

	s := d.Sample(context.Background(), "user-1", true)
	assert.Equal(t, Happy, s.Label)
	assert.InDelta(t, 0.91, s.Confidence, 1e-9)
	assert.Equal(t, SourcePersonalized, s.Source)
	assert.Equal(t, 0, cls.calls)
	assert.Equal(t, Happy, d.Peek().Label)

	// Without a user id the calibration path is not consulted.
	s = d.Sample(context.Background(), "", true)
	assert.Equal(t, Sad, s.Label)
	assert.Equal(t, 1, cls.calls)
}

func TestSampleWeakPersonalizedMatchFallsThrough(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{{"surprise": 88}}}
	m := &fakeMatcher{calibrated: true, label: "happy", similarity: 0.65}
	d, _ := newTestDetector(&fakeSource{}, cls, m)

	s := d.Sample(context.Background(), "user-1", true)
	assert.Equal(t, Surprise, s.Label)
	assert.Equal(t, 1, cls.calls)
}

func TestPeekBeforeAnySample(t *testing.T) {
	d, _ := newTestDetector(&fakeSource{}, &fakeClassifier{}, nil)
	s := d.Peek()
	assert.Equal(t, Neutral, s.Label)
	assert.Equal(t, 0.0, s.Confidence)
}

func TestTune(t *testing.T) {
	cls := &fakeClassifier{scores: []map[string]float64{{"happy": 60}}}
	d, _ := newTestDetector(&fakeSource{}, cls, nil)

	assert.Equal(t, Neutral, d.Sample(context.Background(), "", true).Label)

	d.Tune(time.Second, 0.5, 0.8)
	assert.Equal(t, Happy, d.Sample(context.Background(), "", true).Label)
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name        string
		face, voice Signal
		want        Signal
	}{
		{"weak face yields voice", Signal{Sad, 0.3}, Signal{Happy, 0.9}, Signal{Happy, 0.9}},
		{"weak voice yields face", Signal{Angry, 0.7}, Signal{Happy, 0.2}, Signal{Angry, 0.7}},
		{"agreement boosts", Signal{Happy, 0.8}, Signal{Happy, 0.8}, Signal{Happy, 0.96}},
		{"agreement caps at one", Signal{Sad, 1.0}, Signal{Sad, 1.0}, Signal{Sad, 1.0}},
		{"disagreement face wins", Signal{Sad, 0.7}, Signal{Happy, 0.8}, Signal{Sad, 0.42}},
		{"disagreement voice wins", Signal{Sad, 0.45}, Signal{Angry, 0.8}, Signal{Angry, 0.32}},
		{"exact tie goes to face", Signal{Fear, 0.4}, Signal{Happy, 0.6}, Signal{Fear, 0.24}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Combine(tt.face, tt.voice)
			assert.Equal(t, tt.want.Label, got.Label)
			assert.InDelta(t, tt.want.Confidence, got.Confidence, 1e-9)
		})
	}
}

type countingSampler struct {
	mu    sync.Mutex
	calls int
	users []string
}

func (c *countingSampler) Sample(ctx context.Context, userID string, bypass bool) Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.users = append(c.users, userID)
	return Sample{Label: Neutral}
}

func (c *countingSampler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestMonitorStartStop(t *testing.T) {
	s := &countingSampler{}
	m := NewMonitor(s, 10*time.Millisecond, zerolog.Nop())
	m.SetUser("user-1")

	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorRunning)
	assert.True(t, m.Running())

	assert.Eventually(t, func() bool { return s.count() >= 3 }, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	stopped := s.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, s.count(), "no samples after Stop returns")

	m.Stop()
	s.mu.Lock()
	assert.Equal(t, "user-1", s.users[0])
	s.mu.Unlock()
}

func TestMonitorStopsWithParentContext(t *testing.T) {
	s := &countingSampler{}
	m := NewMonitor(s, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	assert.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() { m.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}
}

func TestMonitorClearsStateWhenParentCancelled(t *testing.T) {
	s := &countingSampler{}
	m := NewMonitor(s, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, m.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())
	m.Stop()
	assert.False(t, m.Running())
}

// alternatingClassifier flips between a happy and a sad face on every call.
type alternatingClassifier struct{ n atomic.Int64 }

func (a *alternatingClassifier) Classify(context.Context, *vision.Frame) (map[string]float64, error) {
	if a.n.Add(1)%2 == 0 {
		return map[string]float64{"happy": 90, "neutral": 10}, nil
	}
	return map[string]float64{"sad": 95, "neutral": 5}, nil
}

func (a *alternatingClassifier) Embed(context.Context, *vision.Frame) ([]float64, error) {
	return nil, vision.ErrNoFace
}

func TestConcurrentSamplingNeverTears(t *testing.T) {
	d := NewDetector(DefaultDetectorConfig(), &fakeSource{}, NewAdapter(&alternatingClassifier{}, zerolog.Nop()), nil, nil, zerolog.Nop())
	m := NewMonitor(d, time.Millisecond, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Every sample in the window for a label carries the same confidence,
	// so a coherent reading pairs each label with exactly one mean.
	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
	coherent := func(s Sample) bool {
		switch {
		case s.Label == Happy:
			return near(s.Confidence, 0.9) && !s.Timestamp.IsZero()
		case s.Label == Sad:
			return near(s.Confidence, 0.95) && !s.Timestamp.IsZero()
		case s.Label == Neutral:
			return s.Confidence == 0 && (s.Source == SourceFallback || s.Timestamp.IsZero())
		}
		return false
	}

	var wg sync.WaitGroup
	var torn atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				var s Sample
				if (g+i)%2 == 0 {
					s = d.Peek()
				} else {
					s = d.Sample(context.Background(), "u", false)
				}
				if !coherent(s) {
					torn.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.Zero(t, torn.Load())
}

// frameClassifier scores the expression named by the frame bytes.
type frameClassifier struct{}

func (frameClassifier) Classify(_ context.Context, f *vision.Frame) (map[string]float64, error) {
	return map[string]float64{string(f.Data): 95, "neutral": 5}, nil
}

func (frameClassifier) Embed(context.Context, *vision.Frame) ([]float64, error) {
	return nil, vision.ErrNoFace
}

func newTestRegistry(monitor bool) *Registry {
	return NewRegistry(RegistryConfig{
		Detector:        DefaultDetectorConfig(),
		Camera:          vision.Config{CameraEnabled: true},
		MonitorInterval: 5 * time.Millisecond,
		MonitorEnabled:  monitor,
	}, NewAdapter(frameClassifier{}, zerolog.Nop()), nil, nil, zerolog.Nop())
}

func pushFrame(t *testing.T, s *Subject, expression string) {
	t.Helper()
	require.NoError(t, s.Camera.ProcessCameraFrame(base64.StdEncoding.EncodeToString([]byte(expression)), 64, 48))
}

func TestRegistryKeepsUsersApart(t *testing.T) {
	r := newTestRegistry(false)
	defer r.Close()
	ctx := context.Background()

	alice, err := r.Acquire("alice")
	require.NoError(t, err)
	bob, err := r.Acquire("bob")
	require.NoError(t, err)
	require.NotSame(t, alice.Camera, bob.Camera)

	pushFrame(t, alice, "angry")
	assert.Equal(t, Angry, alice.Detector.Sample(ctx, "alice", true).Label)
	assert.Equal(t, Neutral, bob.Detector.Sample(ctx, "bob", true).Label, "bob has no frame of his own")

	assert.Equal(t, Angry, r.Peek("alice").Label)
	assert.Equal(t, Neutral, r.Peek("bob").Label)
	assert.Equal(t, Neutral, r.Peek("carol").Label)
	assert.Zero(t, r.Peek("carol").Confidence)
}

func TestRegistryReferenceCounting(t *testing.T) {
	r := newTestRegistry(true)
	defer r.Close()

	_, err := r.Acquire("")
	assert.ErrorIs(t, err, ErrNoSubject)

	first, err := r.Acquire("alice")
	require.NoError(t, err)
	second, err := r.Acquire("alice")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
	assert.True(t, first.monitor.Running())

	r.Release("alice")
	assert.Equal(t, 1, r.Len())
	r.Release("alice")
	assert.Zero(t, r.Len())
	assert.False(t, first.monitor.Running())

	r.Release("alice")
	assert.Zero(t, r.Len())
}

func TestRegistryMonitorWarmsCache(t *testing.T) {
	r := newTestRegistry(true)
	defer r.Close()

	s, err := r.Acquire("alice")
	require.NoError(t, err)
	pushFrame(t, s, "happy")

	assert.Eventually(t, func() bool { return r.Peek("alice").Label == Happy }, time.Second, 5*time.Millisecond)
}

func TestRegistryTune(t *testing.T) {
	r := newTestRegistry(false)
	defer r.Close()

	before, err := r.Acquire("alice")
	require.NoError(t, err)
	r.Tune(2*time.Second, 0.5, 0.9)
	after, err := r.Acquire("bob")
	require.NoError(t, err)

	for _, s := range []*Subject{before, after} {
		cfg := s.Detector.config()
		assert.Equal(t, 2*time.Second, cfg.CacheTTL)
		assert.Equal(t, 0.5, cfg.ConfidenceThreshold)
		assert.Equal(t, 0.9, cfg.PersonalizedThreshold)
	}
}

func TestRegistryClose(t *testing.T) {
	r := newTestRegistry(true)
	s, err := r.Acquire("alice")
	require.NoError(t, err)

	r.Close()
	assert.False(t, s.monitor.Running())
	assert.Zero(t, r.Len())

	_, err = r.Acquire("bob")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
