// Package attack simulates manipulated market data. It produces labelled ticks
// for evaluation runs and is never wired into the live decision path.
package attack

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/Alias1177/Sentinel/models"
)

// Kind selects how a triggered tick is manipulated
type Kind string

const (
	// Spike multiplies a single tick by Multiplier
	Spike Kind = "spike"
	// Drift ramps the price towards Multiplier over Duration ticks
	Drift Kind = "drift"
	// Noise perturbs a single tick by a normal draw scaled by Multiplier-1
	Noise Kind = "noise"
	// FlashCrash divides the price by Multiplier for Duration ticks
	FlashCrash Kind = "flash_crash"
)

// Config describes one attack. Exactly one of Step or Probability triggers it.
type Config struct {
	Kind        Kind    `yaml:"kind"`
	Step        int     `yaml:"step"`        // 1-based tick index per instrument
	Probability float64 `yaml:"probability"` // per-tick trigger chance
	Multiplier  float64 `yaml:"multiplier"`
	Duration    int     `yaml:"duration"` // drift and flash_crash only
	Seed        int64   `yaml:"seed"`
}

// DefaultConfig is a single 15% spike on the 30th tick
func DefaultConfig() Config {
	return Config{Kind: Spike, Step: 30, Multiplier: 1.15, Duration: 5, Seed: 7}
}

// Validate checks the attack parameters
func (c Config) Validate() error {
	switch c.Kind {
	case Spike, Drift, Noise, FlashCrash:
	default:
		return fmt.Errorf("unknown attack kind %q", c.Kind)
	}
	if (c.Step > 0) == (c.Probability > 0) {
		return fmt.Errorf("exactly one of step and probability must be set")
	}
	if c.Probability < 0 || c.Probability > 1 {
		return fmt.Errorf("probability must be in [0,1], got %v", c.Probability)
	}
	if c.Multiplier <= 0 || math.IsNaN(c.Multiplier) || c.Multiplier == 1 {
		return fmt.Errorf("multiplier must be positive and not 1, got %v", c.Multiplier)
	}
	if (c.Kind == Drift || c.Kind == FlashCrash) && c.Duration < 1 {
		return fmt.Errorf("%s needs a duration of at least 1", c.Kind)
	}
	return nil
}

type instrumentState struct {
	steps     int
	remaining int
	elapsed   int
}

// Injector applies an attack to a stream of ticks. Counters are kept per
// instrument so interleaved feeds are attacked independently.
type Injector struct {
	cfg    Config
	rng    *rand.Rand
	states map[string]*instrumentState
}

// NewInjector creates an injector
func NewInjector(cfg Config) (*Injector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Injector{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		states: make(map[string]*instrumentState),
	}, nil
}

// Apply returns the possibly manipulated tick and whether it was attacked
func (i *Injector) Apply(t models.Tick) (models.Tick, bool) {
	st, ok := i.states[t.InstrumentID]
	if !ok {
		st = &instrumentState{}
		i.states[t.InstrumentID] = st
	}
	st.steps++

	if st.remaining == 0 && i.triggered(st.steps) {
		st.remaining = 1
		if i.cfg.Kind == Drift || i.cfg.Kind == FlashCrash {
			st.remaining = i.cfg.Duration
		}
		st.elapsed = 0
	}
	if st.remaining == 0 {
		return t, false
	}

	st.remaining--
	st.elapsed++
	t.Price = i.manipulate(t.Price, st.elapsed)
	return t, true
}

func (i *Injector) triggered(step int) bool {
	if i.cfg.Step > 0 {
		return step == i.cfg.Step
	}
	return i.rng.Float64() < i.cfg.Probability
}

func (i *Injector) manipulate(price float64, elapsed int) float64 {
	m := i.cfg.Multiplier
	switch i.cfg.Kind {
	case Drift:
		return price * (1 + (m-1)*float64(elapsed)/float64(i.cfg.Duration))
	case Noise:
		return math.Abs(price * (1 + i.rng.NormFloat64()*(m-1)))
	case FlashCrash:
		return price / m
	default:
		return price * m
	}
}
