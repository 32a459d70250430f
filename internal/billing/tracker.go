// Package billing tracks per-tenant spend against rolling budget windows
// and computes the cost breakdown for each cascade decision.
package billing

import (
	"sync"
	"time"
)

// EnforcementMode controls what Tracker.CanAfford does when a window is
// exhausted.
type EnforcementMode string

const (
	// ModeOff never blocks; budgets are tracked but not enforced.
	ModeOff EnforcementMode = "off"
	// ModeWarn allows the request through but flags it in the returned
	// Decision so the caller can log or surface a warning.
	ModeWarn EnforcementMode = "warn"
	// ModeStrict rejects any request that would exceed a window budget.
	ModeStrict EnforcementMode = "strict"
	// ModeDegrade allows the request but signals that the caller should
	// downgrade to a cheaper model rather than reject outright.
	ModeDegrade EnforcementMode = "degrade"
)

// Named built-in policies layered on top of the four raw modes.
const (
	PolicyStrict    = "strict"     // ModeStrict on every window
	PolicyGraceful  = "graceful"   // ModeWarn until total window, ModeStrict on total
	PolicyTierBased = "tier_based" // mode selected by caller tier, not window
)

// Tier identifies a caller's subscription level. The zero value behaves
// like TierFree.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Window identifies one of the four rolling budget periods.
type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
	WindowTotal   Window = "total"
)

var allWindows = []Window{WindowDaily, WindowWeekly, WindowMonthly, WindowTotal}

// Budget is the set of spend ceilings for one tenant, in USD. A zero value
// for a window means "unlimited".
type Budget struct {
	Daily   float64
	Weekly  float64
	Monthly float64
	Total   float64
}

func (b Budget) limit(w Window) float64 {
	switch w {
	case WindowDaily:
		return b.Daily
	case WindowWeekly:
		return b.Weekly
	case WindowMonthly:
		return b.Monthly
	default:
		return b.Total
	}
}

// BudgetConfig holds the default per-tier spend ceilings applied to any
// tenant that has no explicit budget set via Tracker.SetBudget.
type BudgetConfig struct {
	Free       Budget
	Pro        Budget
	Enterprise Budget
}

func (c BudgetConfig) forTier(tier Tier) Budget {
	switch tier {
	case TierPro:
		return c.Pro
	case TierEnterprise:
		return c.Enterprise
	default:
		return c.Free
	}
}

type windowState struct {
	spent       float64
	windowStart time.Time
}

// tenantState is the mutable spend ledger for one tenant, one entry per
// rolling window.
type tenantState struct {
	windows map[Window]*windowState
}

// Decision is the outcome of a CanAfford check.
type Decision struct {
	Allowed  bool
	Degrade  bool
	Warned   bool
	Reason   string
	Exceeded Window
}

// Tracker is the multi-window, multi-tenant budget tracker. It is safe for
// concurrent use.
type Tracker struct {
	mu          sync.Mutex
	now         func() time.Time
	tenants     map[string]*tenantState
	budgets     map[string]Budget
	tierBudgets BudgetConfig
	policy      map[string]EnforcementMode // per-window override, keyed by window string
	named       string                     // named built-in policy, if set
}

// NewTracker builds a Tracker using the named built-in enforcement policy
// ("strict", "graceful", "tier_based", or "" for per-window ModeOff).
func NewTracker(namedPolicy string) *Tracker {
	return &Tracker{
		now:     time.Now,
		tenants: make(map[string]*tenantState),
		budgets: make(map[string]Budget),
		named:   namedPolicy,
	}
}

// SetBudget configures the per-window ceilings for a tenant, overriding
// whatever its tier's default budget would otherwise supply.
func (t *Tracker) SetBudget(tenant string, b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[tenant] = b
}

// SetBudgetConfig installs the default per-tier budgets consulted for any
// tenant without an explicit SetBudget override.
func (t *Tracker) SetBudgetConfig(cfg BudgetConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tierBudgets = cfg
}

// modeFor resolves the enforcement mode for one window/tier pair. Named
// policies other than tier_based vary by window, as before; tier_based
// instead keys entirely off the caller's tier, per the product rule that
// free callers get hard-blocked, pro callers get degraded to a cheaper
// model, and enterprise callers only get a warning.
func (t *Tracker) modeFor(window Window, tier Tier) EnforcementMode {
	if t.policy != nil {
		if m, ok := t.policy[string(window)]; ok {
			return m
		}
	}
	switch t.named {
	case PolicyStrict:
		return ModeStrict
	case PolicyGraceful:
		if window == WindowTotal {
			return ModeStrict
		}
		return ModeWarn
	case PolicyTierBased:
		switch tier {
		case TierEnterprise:
			return ModeWarn
		case TierPro:
			return ModeDegrade
		default:
			return ModeStrict
		}
	default:
		return ModeOff
	}
}

// SetWindowMode overrides the enforcement mode for a single window,
// independent of any named policy.
func (t *Tracker) SetWindowMode(window Window, mode EnforcementMode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policy == nil {
		t.policy = make(map[string]EnforcementMode)
	}
	t.policy[string(window)] = mode
}

func windowStart(w Window, at time.Time) time.Time {
	switch w {
	case WindowDaily:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	case WindowWeekly:
		d := at
		for d.Weekday() != time.Monday {
			d = d.AddDate(0, 0, -1)
		}
		return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, at.Location())
	case WindowMonthly:
		return time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
	default:
		return time.Time{}
	}
}

func (t *Tracker) state(tenant string) *tenantState {
	ts, ok := t.tenants[tenant]
	if !ok {
		ts = &tenantState{windows: make(map[Window]*windowState)}
		t.tenants[tenant] = ts
	}
	return ts
}

// resetIfElapsed rolls a window's spend to zero when its boundary has
// passed, the way the teacher's TSDB prune loop rotates retention windows
// on a ticker rather than lazily on every write; here the rotation is
// lazy (checked on access) since budget windows are cheap to recompute.
func (t *Tracker) resetIfElapsed(ws *windowState, window Window, now time.Time) {
	start := windowStart(window, now)
	if window == WindowTotal {
		return
	}
	if ws.windowStart.Before(start) {
		ws.spent = 0
		ws.windowStart = start
	}
}

// CanAfford checks whether an additional spend of cost would violate any
// configured window budget, under the tenant's enforcement policy and
// tier. The tier both selects the fallback budget (when the tenant has no
// explicit SetBudget override) and, under the tier_based policy, the
// enforcement action itself.
func (t *Tracker) CanAfford(tenant string, tier Tier, cost float64) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	budget, ok := t.budgets[tenant]
	if !ok {
		budget = t.tierBudgets.forTier(tier)
	}
	ts := t.state(tenant)
	now := t.now()

	decision := Decision{Allowed: true}
	for _, w := range allWindows {
		limit := budget.limit(w)
		if limit <= 0 {
			continue
		}
		ws, ok := ts.windows[w]
		if !ok {
			ws = &windowState{windowStart: windowStart(w, now)}
			ts.windows[w] = ws
		}
		t.resetIfElapsed(ws, w, now)

		if ws.spent+cost <= limit {
			continue
		}

		mode := t.modeFor(w, tier)
		switch mode {
		case ModeOff:
			continue
		case ModeWarn:
			decision.Warned = true
			decision.Reason = string(w) + " budget exceeded (warn)"
			decision.Exceeded = w
		case ModeDegrade:
			decision.Degrade = true
			decision.Reason = string(w) + " budget exceeded (degrade)"
			decision.Exceeded = w
		case ModeStrict:
			return Decision{Allowed: false, Reason: string(w) + " budget exceeded (strict)", Exceeded: w}
		}
	}
	return decision
}

// Record adds cost to every window's running total for a tenant. Call
// this only after the request has actually been billed, not at the
// CanAfford check, so a rejected request never consumes budget.
func (t *Tracker) Record(tenant string, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := t.state(tenant)
	now := t.now()
	for _, w := range allWindows {
		ws, ok := ts.windows[w]
		if !ok {
			ws = &windowState{windowStart: windowStart(w, now)}
			ts.windows[w] = ws
		}
		t.resetIfElapsed(ws, w, now)
		ws.spent += cost
	}
}

// Spent returns the current running total for one tenant/window pair.
func (t *Tracker) Spent(tenant string, window Window) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.tenants[tenant]
	if !ok {
		return 0
	}
	ws, ok := ts.windows[window]
	if !ok {
		return 0
	}
	t.resetIfElapsed(ws, window, t.now())
	return ws.spent
}
