// Package reveal implements the weighted draw that turns a sealed box
// into a concrete product outcome.
package reveal

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

var (
	// ErrConfigInvalid indicates the probability config cannot be drawn from.
	ErrConfigInvalid = errors.New("probability config invalid")
	// ErrNoEligibleOutcome indicates every non-secret weight is zero.
	ErrNoEligibleOutcome = errors.New("no eligible outcome")
)

// Entry is one possible outcome of a box.
type Entry struct {
	ProductID string `json:"product_id"`
	Weight    int64  `json:"weight"` // non-negative; ignored for the secret entry
	Rarity    string `json:"rarity"`
	Secret    bool   `json:"secret"`
}

// Config is the approved probability configuration of a box. At most
// one entry may be secret; its odds come from SecretProb, not Weight.
type Config struct {
	BoxID      string  `json:"box_id"`
	SecretProb float64 `json:"secret_prob"` // independent gate in [0,1]
	Entries    []Entry `json:"entries"`
}

// Validate mirrors the checks the config approver runs. A config that
// fails here is rejected before it ever reaches the engine.
func (c Config) Validate() error {
	if len(c.Entries) == 0 {
		return ErrConfigInvalid
	}
	if c.SecretProb < 0 || c.SecretProb > 1 {
		return ErrConfigInvalid
	}
	secrets := 0
	for _, e := range c.Entries {
		if e.Weight < 0 {
			return ErrConfigInvalid
		}
		if e.Secret {
			secrets++
		}
	}
	if secrets > 1 {
		return ErrConfigInvalid
	}
	// A declared secret tier needs its own gate.
	if secrets == 1 && c.SecretProb == 0 {
		return ErrConfigInvalid
	}
	if secrets == 0 && c.SecretProb > 0 {
		return ErrConfigInvalid
	}
	return nil
}

func (c Config) secretEntry() (Entry, bool) {
	for _, e := range c.Entries {
		if e.Secret {
			return e, true
		}
	}
	return Entry{}, false
}

// Outcome is the result of a single draw.
type Outcome struct {
	ProductID string
	Rarity    string
	Secret    bool
}

// Engine draws outcomes. rand.Rand is not safe for concurrent use, so
// the source is guarded by a mutex; one engine is shared by all
// request goroutines. Tests inject a seeded source.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New creates an engine with a time-seeded source.
func New() *Engine {
	return NewWithSource(rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates an engine drawing from src. Tests pass a fixed
// seed for reproducible draws.
func NewWithSource(src rand.Source) *Engine {
	return &Engine{rng: rand.New(src)}
}

// Draw performs the two-stage draw: an independent Bernoulli trial
// against SecretProb first, then a cumulative-weight walk over the
// non-secret entries. Ties break by declaration order.
func (e *Engine) Draw(cfg Config) (Outcome, error) {
	if err := cfg.Validate(); err != nil {
		return Outcome{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if sec, ok := cfg.secretEntry(); ok {
		if e.rng.Float64() < cfg.SecretProb {
			return Outcome{ProductID: sec.ProductID, Rarity: sec.Rarity, Secret: true}, nil
		}
	}

	var total int64
	for _, en := range cfg.Entries {
		if en.Secret {
			continue
		}
		total += en.Weight
	}
	if total <= 0 {
		return Outcome{}, ErrNoEligibleOutcome
	}

	draw := e.rng.Int63n(total)
	var cum int64
	for _, en := range cfg.Entries {
		if en.Secret {
			continue
		}
		cum += en.Weight
		if draw < cum {
			return Outcome{ProductID: en.ProductID, Rarity: en.Rarity}, nil
		}
	}
	// Unreachable: cum == total > draw by the loop above.
	return Outcome{}, ErrNoEligibleOutcome
}
