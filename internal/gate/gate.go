// Package gate admits or rejects downstream subscriptions per connecting
// role and enforces a maximum update rate per subscription. It sits
// between the event bus and any dashboard, overlay or advisor consumer.
package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/pace.report/internal/telemetry"
)

// Role identifies the class of a connecting consumer.
type Role string

const (
	RoleDriver      Role = "driver"
	RoleTeam        Role = "team"
	RoleLeague      Role = "league"
	RoleBroadcaster Role = "broadcaster"
)

// Entitlement is the per-role ceiling on subscription behaviour.
type Entitlement struct {
	MaxUpdateRate int // updates per second
}

// DefaultEntitlements mirrors the product tiers: broadcasters pay for
// overlay-grade rates, league stewards only need summaries.
func DefaultEntitlements() map[Role]Entitlement {
	return map[Role]Entitlement{
		RoleDriver:      {MaxUpdateRate: 10},
		RoleTeam:        {MaxUpdateRate: 10},
		RoleLeague:      {MaxUpdateRate: 4},
		RoleBroadcaster: {MaxUpdateRate: 30},
	}
}

// SessionIndex answers whether a session is currently active. The parity
// tracker implements this.
type SessionIndex interface {
	HasSession(sessionID string) bool
}

// Subscription is an admitted consumer with its rate budget.
type Subscription struct {
	ID        uuid.UUID
	Role      Role
	SessionID string

	mu          sync.Mutex
	minInterval time.Duration
	lastUpdate  time.Time
}

// Allow reports whether an update may be delivered now, consuming the
// budget when it is.
func (s *Subscription) Allow(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) < s.minInterval {
		return false
	}
	s.lastUpdate = now
	return true
}

// Rate returns the effective updates-per-second budget.
func (s *Subscription) Rate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minInterval <= 0 {
		return 0
	}
	return int(time.Second / s.minInterval)
}

// Gate admits subscriptions and tracks the active set.
type Gate struct {
	mu           sync.Mutex
	sessions     SessionIndex
	entitlements map[Role]Entitlement
	subs         map[uuid.UUID]*Subscription
}

// NewGate builds a gate over the given session index. A nil entitlement
// map gets the defaults.
func NewGate(sessions SessionIndex, entitlements map[Role]Entitlement) *Gate {
	if entitlements == nil {
		entitlements = DefaultEntitlements()
	}
	return &Gate{
		sessions:     sessions,
		entitlements: entitlements,
		subs:         make(map[uuid.UUID]*Subscription),
	}
}

// Subscribe admits a consumer for a session. Unknown roles and unknown
// sessions are rejected outright; a requested rate above the role's
// ceiling is clamped to it, and a zero rate means "as fast as allowed".
func (g *Gate) Subscribe(role Role, sessionID string, requestedRate int) (*Subscription, error) {
	ent, ok := g.entitlements[role]
	if !ok {
		return nil, fmt.Errorf("gate: role %q not entitled", role)
	}
	if g.sessions != nil && !g.sessions.HasSession(sessionID) {
		return nil, fmt.Errorf("gate: unknown session %q", sessionID)
	}

	rate := requestedRate
	if rate <= 0 || rate > ent.MaxUpdateRate {
		rate = ent.MaxUpdateRate
	}

	sub := &Subscription{
		ID:          uuid.New(),
		Role:        role,
		SessionID:   sessionID,
		minInterval: time.Second / time.Duration(rate),
	}
	g.mu.Lock()
	g.subs[sub.ID] = sub
	g.mu.Unlock()
	return sub, nil
}

// Unsubscribe drops a subscription. Unknown ids are a no-op.
func (g *Gate) Unsubscribe(id uuid.UUID) {
	g.mu.Lock()
	delete(g.subs, id)
	g.mu.Unlock()
}

// ActiveCount returns the number of admitted subscriptions.
func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// AttachPace delivers pace events for the subscription's session through
// the gate's rate limit. The returned unsubscribe releases both the bus
// registration and the gate slot.
func (g *Gate) AttachPace(bus *telemetry.Bus, sub *Subscription, fn func(telemetry.PaceEvent)) telemetry.Unsubscribe {
	unsub := bus.SubscribePace(func(ev telemetry.PaceEvent) {
		if ev.SessionID != sub.SessionID {
			return
		}
		if !sub.Allow(time.Now()) {
			return
		}
		fn(ev)
	})
	return func() {
		unsub()
		g.Unsubscribe(sub.ID)
	}
}
