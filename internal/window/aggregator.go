package window

import (
	"fmt"
	"time"

	"github.com/viniciushammett/mqtt-auth-detector/internal/ingest"
)

type Config struct {
	Horizon    time.Duration `json:"horizon" yaml:"horizon"`
	SubHorizon time.Duration `json:"subHorizon" yaml:"subHorizon"`
	// StaleAfter > 0 drops idle keys (empty windows, last seen older than this).
	StaleAfter time.Duration `json:"staleAfter" yaml:"staleAfter"`
	Epsilon    float64       `json:"epsilon" yaml:"epsilon"`
}

func DefaultConfig() Config {
	return Config{Horizon: 5 * time.Minute, SubHorizon: time.Minute, Epsilon: 1e-6}
}

func (c Config) Validate() error {
	if c.Horizon <= 0 {
		return fmt.Errorf("window: horizon must be > 0")
	}
	if c.SubHorizon <= 0 || c.SubHorizon > c.Horizon {
		return fmt.Errorf("window: subHorizon must be in (0, horizon]")
	}
	if c.StaleAfter < 0 {
		return fmt.Errorf("window: staleAfter must be >= 0")
	}
	if c.StaleAfter > 0 && c.StaleAfter < c.Horizon {
		return fmt.Errorf("window: staleAfter must be 0 or >= horizon")
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("window: epsilon must be > 0")
	}
	return nil
}

// Counts are the rolling statistics for one event, history up to and including it.
type Counts struct {
	ClientFail5m      int
	ClientFail1m      int
	ClientMsgCount    int
	UserFailReason4   int
	ClientFailRatio5m float64
}

type clientState struct {
	fail     Deque
	failSub  Deque
	msgs     int
	lastSeen time.Time
}

type userState struct {
	badCreds Deque
	lastSeen time.Time
}

// Aggregator tracks failure windows per client id and, separately, per username.
// Not safe for concurrent use; feed it one time-ordered stream.
type Aggregator struct {
	cfg       Config
	clients   map[string]*clientState
	users     map[string]*userState
	lastSweep time.Time
	swept     int
}

func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		clients: map[string]*clientState{},
		users:   map[string]*userState{},
	}
}

func (a *Aggregator) Observe(ev ingest.Event) Counts {
	now := ev.Time
	a.maybeSweep(now)

	cs := a.clients[ev.ClientID]
	if cs == nil {
		cs = &clientState{}
		a.clients[ev.ClientID] = cs
	}
	cs.msgs++
	cs.lastSeen = now
	if ev.Failed() {
		cs.fail.PushBack(now)
		cs.failSub.PushBack(now)
	}
	cs.fail.EvictBefore(now, a.cfg.Horizon)
	cs.failSub.EvictBefore(now, a.cfg.SubHorizon)

	us := a.users[ev.Username]
	if us == nil {
		us = &userState{}
		a.users[ev.Username] = us
	}
	us.lastSeen = now
	if ev.ReturnCode == ingest.ReturnCodeBadCredentials {
		us.badCreds.PushBack(now)
	}
	us.badCreds.EvictBefore(now, a.cfg.Horizon)

	fail5 := cs.fail.Len()
	return Counts{
		ClientFail5m:      fail5,
		ClientFail1m:      cs.failSub.Len(),
		ClientMsgCount:    cs.msgs,
		UserFailReason4:   us.badCreds.Len(),
		ClientFailRatio5m: float64(fail5) / (float64(cs.msgs) + a.cfg.Epsilon),
	}
}

// Tracked returns how many client and user keys are held.
func (a *Aggregator) Tracked() (clients, users int) { return len(a.clients), len(a.users) }

// Swept returns how many idle keys the staleness sweep has removed so far.
func (a *Aggregator) Swept() int { return a.swept }

func (a *Aggregator) maybeSweep(now time.Time) {
	stale := a.cfg.StaleAfter
	if stale <= 0 {
		return
	}
	if a.lastSweep.IsZero() {
		a.lastSweep = now
		return
	}
	if now.Sub(a.lastSweep) < stale {
		return
	}
	a.lastSweep = now
	for k, cs := range a.clients {
		if now.Sub(cs.lastSeen) <= stale {
			continue
		}
		cs.fail.EvictBefore(now, a.cfg.Horizon)
		if cs.fail.Len() == 0 {
			delete(a.clients, k)
			a.swept++
		}
	}
	for k, us := range a.users {
		if now.Sub(us.lastSeen) <= stale {
			continue
		}
		us.badCreds.EvictBefore(now, a.cfg.Horizon)
		if us.badCreds.Len() == 0 {
			delete(a.users, k)
			a.swept++
		}
	}
}
