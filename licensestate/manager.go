// Package licensestate holds the site-side license record and decides, from
// that record alone, whether licensed data may be accessed.
package licensestate

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/singleflight"

	"crmlicense.app/licensing/client"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/protocol"
)

const (
	GracePeriod          = 7 * 24 * time.Hour
	DefaultCheckInterval = 4 * time.Hour
	// DefaultExpiringSoonDays is the warning window used by Info.
	DefaultExpiringSoonDays = 3

	day = 24 * time.Hour
)

var ErrNoLicense = errors.New("no license key stored")

// Validator answers validation requests for a key. *client.Client is the
// production implementation.
type Validator interface {
	Validate(ctx context.Context, key string) (*protocol.Response, error)
}

type Manager struct {
	mu        sync.RWMutex
	saveMu    sync.Mutex
	state     State
	store     Store
	validator Validator

	now           func() time.Time
	checkInterval time.Duration
	bypass        bool

	group     singleflight.Group
	checking  *atomic.Bool
	checks    *atomic.Int64
	lastError *atomic.String
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkInterval = d
		}
	}
}

// WithBypass disables enforcement. Meant for development and support only.
func WithBypass(enabled bool) Option {
	return func(m *Manager) { m.bypass = enabled }
}

// New loads the cached state from store.
func New(ctx context.Context, store Store, validator Validator, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:         store,
		validator:     validator,
		now:           time.Now,
		checkInterval: DefaultCheckInterval,
		checking:      atomic.NewBool(false),
		checks:        atomic.NewInt64(0),
		lastError:     atomic.NewString(""),
	}
	for _, opt := range opts {
		opt(m)
	}

	state, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if state.LicenseKey == "" && state.Status == "" {
		state.Status = StatusInactive
	}
	m.state = state

	if m.bypass {
		logger.Warn("License enforcement bypassed: all modules are allowed", map[string]interface{}{
			"status": state.Status,
		})
	}
	return m, nil
}

// State returns a copy of the cached record.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

func (m *Manager) Bypass() bool {
	return m.bypass
}

// Modules returns the entitled modules. An empty list means every module.
func (m *Manager) Modules() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.state.Modules...)
}

// replace swaps in the record built by mutate and persists it. mutate gets
// a private copy; a nil result leaves the state untouched. Readers only wait
// for the swap, not for the save.
func (m *Manager) replace(ctx context.Context, mutate func(State) *State) error {
	// saveMu keeps swaps and saves in the same order.
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	next := mutate(m.state.clone())
	if next == nil {
		m.mu.Unlock()
		return nil
	}
	m.state = *next
	saved := next.clone()
	m.mu.Unlock()

	if err := m.store.Save(ctx, saved); err != nil {
		logger.Error("Failed to persist license state", map[string]interface{}{
			"error":  err.Error(),
			"status": saved.Status,
		})
		return err
	}
	return nil
}

type evaluation struct {
	status    string
	expiry    *time.Time
	inGrace   bool
	pastGrace bool
}

// evaluate derives the effective status of s at now. A cached active record
// whose expiry has passed counts as expired.
func evaluate(s State, now time.Time) evaluation {
	ev := evaluation{status: s.Status}
	if s.LicenseKey == "" {
		if ev.status == "" || ev.status == models.StatusActive {
			ev.status = StatusInactive
		}
		return ev
	}

	ev.expiry, _ = models.ParseDate(s.ExpiresOn)
	if ev.status == models.StatusActive && ev.expiry != nil && now.After(*ev.expiry) {
		ev.status = models.StatusExpired
	}
	if ev.status == models.StatusExpired {
		if ev.expiry == nil {
			ev.pastGrace = true
		} else {
			ev.pastGrace = now.After(ev.expiry.Add(GracePeriod))
			ev.inGrace = !ev.pastGrace
		}
	}
	return ev
}

// Evaluate latches the restriction flag once the grace period has elapsed.
// The flag is cleared only by a server answer that is neither expired nor
// revoked.
func (m *Manager) Evaluate(ctx context.Context) error {
	now := m.now()
	return m.replace(ctx, func(s State) *State {
		if s.AccessRestricted || !evaluate(s, now).pastGrace {
			return nil
		}
		s.AccessRestricted = true
		logger.Warn("License grace period elapsed: access restricted", map[string]interface{}{
			"license_key": s.LicenseKey,
			"expires_on":  s.ExpiresOn,
		})
		return &s
	})
}

// CanAccessData reports whether licensed data may be used right now.
func (m *Manager) CanAccessData() bool {
	if m.bypass {
		return true
	}
	if err := m.Evaluate(context.Background()); err != nil {
		logger.Debug("Restriction latched in memory only", map[string]interface{}{"error": err.Error()})
	}

	s := m.State()
	if s.AccessRestricted {
		return false
	}
	ev := evaluate(s, m.now())
	switch ev.status {
	case models.StatusActive:
		return true
	case models.StatusExpired:
		return ev.inGrace
	}
	return false
}

func (m *Manager) IsInGracePeriod() bool {
	s := m.State()
	return !s.AccessRestricted && evaluate(s, m.now()).inGrace
}

// GraceDaysRemaining rounds up, so any part of a day counts as a day.
func (m *Manager) GraceDaysRemaining() int {
	s := m.State()
	now := m.now()
	ev := evaluate(s, now)
	if s.AccessRestricted || !ev.inGrace {
		return 0
	}
	return ceilDays(ev.expiry.Add(GracePeriod).Sub(now))
}

// DaysUntilExpiry is negative once the expiry has passed and -1 for
// licenses that never expire.
func (m *Manager) DaysUntilExpiry() int {
	s := m.State()
	expiry, err := models.ParseDate(s.ExpiresOn)
	if err != nil || expiry == nil {
		return -1
	}
	return ceilDays(expiry.Sub(m.now()))
}

// IsExpiringSoon is for warning banners and never gates access.
func (m *Manager) IsExpiringSoon(days int) bool {
	if evaluate(m.State(), m.now()).status != models.StatusActive {
		return false
	}
	left := m.DaysUntilExpiry()
	return left > 0 && left <= days
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}

// Check re-validates the stored key. Concurrent calls share one request.
// Communication failures leave the cached state untouched.
func (m *Manager) Check(ctx context.Context) error {
	_, err, _ := m.group.Do("check", func() (interface{}, error) {
		key := m.State().LicenseKey
		if key == "" {
			return nil, ErrNoLicense
		}
		_, err := m.validate(ctx, key)
		return nil, err
	})
	return err
}

// MaybeCheck runs Check when the last check is older than the check
// interval. It reports whether a check ran.
func (m *Manager) MaybeCheck(ctx context.Context) (bool, error) {
	s := m.State()
	if s.LicenseKey == "" {
		return false, nil
	}
	if !s.LastCheck.IsZero() && m.now().Sub(s.LastCheck) < m.checkInterval {
		return false, m.Evaluate(ctx)
	}
	return true, m.Check(ctx)
}

// OnLogin re-checks for privileged users.
func (m *Manager) OnLogin(ctx context.Context, privileged bool) error {
	if !privileged {
		return nil
	}
	_, err := m.MaybeCheck(ctx)
	return err
}

// Run calls MaybeCheck at start and on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		if _, err := m.MaybeCheck(ctx); err != nil && !errors.Is(err, ErrNoLicense) {
			logger.Debug("Scheduled license check failed", map[string]interface{}{"error": err.Error()})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Activate validates key and stores the answer. A communication failure
// leaves the current state in place; a business answer is applied whatever
// its status.
func (m *Manager) Activate(ctx context.Context, key string) (*protocol.Response, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, protocol.ErrMissingKey
	}
	resp, err := m.validate(ctx, key)
	if err != nil {
		return nil, err
	}
	logger.Info("License activation answered", map[string]interface{}{
		"license_key": key,
		"status":      resp.Status,
	})
	return resp, nil
}

// Deactivate forgets the license.
func (m *Manager) Deactivate(ctx context.Context) error {
	logger.Info("License deactivated locally")
	return m.replace(ctx, func(State) *State {
		return &State{Status: StatusInactive, Modules: []string{}}
	})
}

func (m *Manager) validate(ctx context.Context, key string) (*protocol.Response, error) {
	m.checking.Store(true)
	defer m.checking.Store(false)
	m.checks.Inc()

	resp, err := m.validator.Validate(ctx, key)
	if err != nil {
		m.lastError.Store(err.Error())
		var commErr *client.CommunicationError
		if errors.As(err, &commErr) && commErr.IsProtocol() {
			logger.Warn("License server returned an unreadable answer; keeping cached state", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			logger.Warn("License server unreachable; keeping cached state", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return nil, err
	}
	m.lastError.Store("")

	return resp, m.apply(ctx, key, resp)
}

// apply performs the transition for a server answer about key.
func (m *Manager) apply(ctx context.Context, key string, resp *protocol.Response) error {
	now := m.now()
	status := strings.ToLower(resp.Status)

	return m.replace(ctx, func(s State) *State {
		switch {
		case protocol.IsRevoked(status):
			logger.Warn("License revoked by server", map[string]interface{}{
				"license_key": key,
				"status":      status,
				"message":     resp.Message,
			})
			return &State{
				Status:           models.StatusInvalid,
				Modules:          []string{},
				AccessRestricted: true,
				LastCheck:        now,
				Message:          resp.Message,
			}

		case status == models.StatusExpired:
			next := s
			if next.LicenseKey != key {
				next = adopt(key, status, resp, now)
			}
			next.Status = models.StatusExpired
			next.ExpiresOn = resp.ExpiresOn
			next.LastCheck = now
			next.Message = resp.Message
			next.AccessRestricted = next.AccessRestricted || evaluate(next, now).pastGrace
			return &next

		default:
			next := adopt(key, status, resp, now)
			return &next
		}
	})
}

func adopt(key, status string, resp *protocol.Response, now time.Time) State {
	return State{
		LicenseKey:     key,
		Status:         status,
		LicenseType:    resp.LicenseType,
		LicensePackage: resp.LicensePackage,
		Description:    resp.LicenseTypeDescription,
		ExpiresOn:      resp.ExpiresOn,
		UserLimit:      resp.UserLimit,
		Modules:        append([]string{}, resp.Modules...),
		LastCheck:      now,
		Message:        resp.Message,
	}
}

// Info is a snapshot for notification and UI collaborators.
type Info struct {
	LicenseKey         string     `json:"license_key"`
	Status             string     `json:"status"`
	LicenseType        string     `json:"license_type"`
	LicensePackage     string     `json:"license_package"`
	Description        string     `json:"license_type_description"`
	ExpiresOn          string     `json:"expires_on"`
	UserLimit          int        `json:"user_limit"`
	Modules            []string   `json:"modules"`
	LastCheck          *time.Time `json:"last_check,omitempty"`
	CanAccessData      bool       `json:"can_access_data"`
	AccessRestricted   bool       `json:"access_restricted"`
	InGracePeriod      bool       `json:"in_grace_period"`
	GraceDaysRemaining int        `json:"grace_days_remaining"`
	DaysUntilExpiry    int        `json:"days_until_expiry"`
	ExpiringSoon       bool       `json:"expiring_soon"`
	Bypass             bool       `json:"bypass"`
	Checking           bool       `json:"checking"`
	Checks             int64      `json:"checks"`
	LastError          string     `json:"last_error,omitempty"`
	Message            string     `json:"message,omitempty"`
}

func (m *Manager) Info() Info {
	canAccess := m.CanAccessData()
	s := m.State()
	info := Info{
		LicenseKey:         logger.Mask(s.LicenseKey),
		Status:             evaluate(s, m.now()).status,
		LicenseType:        s.LicenseType,
		LicensePackage:     s.LicensePackage,
		Description:        s.Description,
		ExpiresOn:          s.ExpiresOn,
		UserLimit:          s.UserLimit,
		Modules:            append([]string{}, s.Modules...),
		CanAccessData:      canAccess,
		AccessRestricted:   s.AccessRestricted,
		InGracePeriod:      m.IsInGracePeriod(),
		GraceDaysRemaining: m.GraceDaysRemaining(),
		DaysUntilExpiry:    m.DaysUntilExpiry(),
		ExpiringSoon:       m.IsExpiringSoon(DefaultExpiringSoonDays),
		Bypass:             m.bypass,
		Checking:           m.checking.Load(),
		Checks:             m.checks.Load(),
		LastError:          m.lastError.Load(),
		Message:            s.Message,
	}
	if !s.LastCheck.IsZero() {
		lc := s.LastCheck
		info.LastCheck = &lc
	}
	return info
}
