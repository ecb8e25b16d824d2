// Package budget maintains the process-wide daily token ledger. All
// mutation runs behind one lock; Charge never panics on overflow, it
// reports ErrBudgetExceeded instead.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/noesis-systems/cogloop/internal/thought"
)

// ErrBudgetExceeded is returned by Charge when the request would push used
// past dailyLimit. Never swallowed — callers must handle it explicitly.
var ErrBudgetExceeded = errors.New("budget: daily limit exceeded")

// ErrInvalidAmount is returned for negative charge/quote amounts.
var ErrInvalidAmount = errors.New("budget: amount must be >= 0")

const maxHistory = 100

// Entry is one recorded charge.
type Entry struct {
	Amount int
	Tier   thought.Tier
	At     time.Time
}

// State is the externally observable snapshot of the ledger.
type State struct {
	DailyLimit  int
	Used        int
	UsedByTier  map[thought.Tier]int
	NextResetAt time.Time
	History     []Entry
}

// Quote is the result of a non-mutating affordability check.
type Quote struct {
	Affordable bool
	Remaining  int
}

// Manager is the singleton-owned, thread-safe daily token ledger. All
// mutation is serialized under one mutex; reads may take a snapshot copy.
type Manager struct {
	mu          sync.Mutex
	dailyLimit  int
	used        int
	usedByTier  map[thought.Tier]int
	nextResetAt time.Time
	history     []Entry
	now         func() time.Time
}

// New creates a Manager with the given daily limit, reset at the next UTC
// midnight from now.
func New(dailyLimit int) *Manager {
	return NewWithClock(dailyLimit, time.Now)
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(dailyLimit int, now func() time.Time) *Manager {
	m := &Manager{
		dailyLimit: dailyLimit,
		usedByTier: make(map[thought.Tier]int),
		now:        now,
	}
	m.nextResetAt = nextUTCMidnight(now())
	return m
}

func nextUTCMidnight(from time.Time) time.Time {
	u := from.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.AddDate(0, 0, 1)
}

// resetIfDue must be called with m.mu held.
func (m *Manager) resetIfDue() {
	now := m.now()
	if now.Before(m.nextResetAt) {
		return
	}
	m.used = 0
	m.usedByTier = make(map[thought.Tier]int)
	m.nextResetAt = nextUTCMidnight(now)
}

// Charge records amount tokens spent on tier. Resets the ledger first if the
// wall clock has crossed nextResetAt. A zero amount is a no-op (still subject
// to the reset check).
func (m *Manager) Charge(amount int, tier thought.Tier) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetIfDue()

	if amount == 0 {
		return nil
	}

	if m.used+amount > m.dailyLimit {
		return ErrBudgetExceeded
	}

	m.used += amount
	m.usedByTier[tier] += amount
	m.history = append(m.history, Entry{Amount: amount, Tier: tier, At: m.now()})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	return nil
}

// QuoteAmount performs a non-mutating affordability check, applying the same
// reset rule as Charge.
func (m *Manager) QuoteAmount(amount int) (Quote, error) {
	if amount < 0 {
		return Quote{}, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetIfDue()

	remaining := m.dailyLimit - m.used
	return Quote{
		Affordable: m.used+amount <= m.dailyLimit,
		Remaining:  remaining,
	}, nil
}

// Snapshot returns a deep copy of the current ledger state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.resetIfDue()

	usedByTier := make(map[thought.Tier]int, len(m.usedByTier))
	for k, v := range m.usedByTier {
		usedByTier[k] = v
	}
	history := make([]Entry, len(m.history))
	copy(history, m.history)

	return State{
		DailyLimit:  m.dailyLimit,
		Used:        m.used,
		UsedByTier:  usedByTier,
		NextResetAt: m.nextResetAt,
		History:     history,
	}
}

// persistedState is the JSON wire shape written by Persist / read by Restore.
type persistedState struct {
	DailyLimit  int                  `json:"daily_limit"`
	Used        int                  `json:"used"`
	UsedByTier  map[thought.Tier]int `json:"used_by_tier"`
	NextResetAt time.Time            `json:"next_reset_at"`
	History     []Entry              `json:"history"`
}

// Persist serializes the ledger to a byte blob the embedder stores via
// StateStore. Persistence is the embedder's concern; this only marshals.
func (m *Manager) Persist() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps := persistedState{
		DailyLimit:  m.dailyLimit,
		Used:        m.used,
		UsedByTier:  m.usedByTier,
		NextResetAt: m.nextResetAt,
		History:     m.history,
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return nil, fmt.Errorf("budget: marshal state: %w", err)
	}
	return data, nil
}

// Restore loads a blob written by Persist. An empty/nil blob is a no-op
// (fresh state), and malformed blobs are reported rather than applied.
func (m *Manager) Restore(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("budget: unmarshal state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dailyLimit = ps.DailyLimit
	m.used = ps.Used
	if ps.UsedByTier == nil {
		ps.UsedByTier = make(map[thought.Tier]int)
	}
	m.usedByTier = ps.UsedByTier
	m.nextResetAt = ps.NextResetAt
	m.history = ps.History

	return nil
}
