package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/proximity"
)

// IdentityView is what the UI renders for the remote participant. Distant
// masks identity and disables the composer; message history is untouched
// either way; only these presentation fields change.
type IdentityView struct {
	Profile         models.ParticipantProfile
	ComposerEnabled bool
	Nearby          bool
	CheckedTS       int64
}

// ProximityGuard interprets the external nearness boolean for one
// participant. Two states only, Nearby and Distant; the transition is
// instantaneous on receipt of a fresh answer. Distance math lives entirely
// in the proximity service.
type ProximityGuard struct {
	svc         proximity.Service
	participant string

	mu       sync.Mutex
	profile  models.ParticipantProfile
	state    models.ProximityState
	onChange func(nearby bool)
}

// NewProximityGuard starts in the Distant (masked) state until the first
// check answers.
func NewProximityGuard(svc proximity.Service, participant string, profile models.ParticipantProfile, onChange func(nearby bool)) *ProximityGuard {
	return &ProximityGuard{svc: svc, participant: participant, profile: profile, onChange: onChange}
}

// Refresh consults the proximity service and applies the answer. Triggered
// by location-change events for either participant, by channel reconnect,
// and optionally by the cron scheduler.
func (g *ProximityGuard) Refresh(ctx context.Context) error {
	near, err := g.svc.IsNearby(ctx, g.participant)
	if err != nil {
		logger.Warn("proximity_check_failed", "participant", g.participant, "error", err)
		return wrapErr(KindFetch, "proximity", err)
	}
	g.mu.Lock()
	changed := g.state.Nearby != near
	g.state.Nearby = near
	g.state.CheckedTS = time.Now().UTC().UnixNano()
	fire := g.onChange
	g.mu.Unlock()
	if changed {
		logger.Info("proximity_changed", "participant", g.participant, "nearby", near)
		if fire != nil {
			fire(near)
		}
	}
	return nil
}

// SetProfile updates the unmasked profile shown while Nearby.
func (g *ProximityGuard) SetProfile(p models.ParticipantProfile) {
	g.mu.Lock()
	g.profile = p
	g.mu.Unlock()
}

// State returns the raw proximity state.
func (g *ProximityGuard) State() models.ProximityState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// View returns the identity presentation for the current state.
func (g *ProximityGuard) View() IdentityView {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.Nearby {
		return IdentityView{Profile: g.profile, ComposerEnabled: true, Nearby: true, CheckedTS: g.state.CheckedTS}
	}
	return IdentityView{Profile: models.MaskedProfile(g.participant), ComposerEnabled: false, Nearby: false, CheckedTS: g.state.CheckedTS}
}

// StartRecheck runs Refresh on a cron schedule until the returned cancel is
// called, covering the case where neither participant emits a location
// event for a long stretch. Expression syntax is standard cron.
func (g *ProximityGuard) StartRecheck(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		return func() {}, nil
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid proximity recheck cron expression: %s", cronExpr)
	}
	ctx2, cancel := context.WithCancel(ctx)
	go g.runRecheck(ctx2, cronExpr)
	logger.Info("proximity_recheck_scheduled", "participant", g.participant, "cron", cronExpr)
	return cancel, nil
}

func (g *ProximityGuard) runRecheck(ctx context.Context, cronExpr string) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("proximity_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(time.Until(next)):
			if err := g.Refresh(ctx); err != nil {
				logger.Warn("proximity_recheck_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
