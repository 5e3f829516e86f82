package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"chatsync/pkg/models"
	"chatsync/pkg/proximity"
)

func TestProximityGuard_StartsMasked(t *testing.T) {
	profile := models.ParticipantProfile{ID: "p1", DisplayName: "Ada", Bio: "hi"}
	g := NewProximityGuard(proximity.StaticService(true), "p1", profile, nil)

	v := g.View()
	if v.Nearby || v.ComposerEnabled {
		t.Fatalf("guard not masked before first check: %+v", v)
	}
	if v.Profile.DisplayName != "Someone nearby" || v.Profile.ID != "p1" {
		t.Fatalf("masked profile wrong: %+v", v.Profile)
	}
}

func TestProximityGuard_RefreshUnmasksAndRemasks(t *testing.T) {
	var near atomic.Bool
	near.Store(true)
	svc := proximity.FuncService(func(ctx context.Context, id string) (bool, error) {
		return near.Load(), nil
	})
	profile := models.ParticipantProfile{ID: "p1", DisplayName: "Ada"}

	var flips []bool
	g := NewProximityGuard(svc, "p1", profile, func(n bool) { flips = append(flips, n) })

	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	v := g.View()
	if !v.Nearby || !v.ComposerEnabled || v.Profile.DisplayName != "Ada" {
		t.Fatalf("nearby view wrong: %+v", v)
	}
	if v.CheckedTS == 0 {
		t.Fatalf("checked timestamp not recorded")
	}

	// same answer again: no transition fires
	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(flips) != 1 {
		t.Fatalf("onChange fired on a non-transition: %v", flips)
	}

	near.Store(false)
	if err := g.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	v = g.View()
	if v.Nearby || v.ComposerEnabled {
		t.Fatalf("view not remasked: %+v", v)
	}
	if v.Profile.DisplayName != "Someone nearby" {
		t.Fatalf("profile not masked: %+v", v.Profile)
	}
	if len(flips) != 2 || flips[1] != false {
		t.Fatalf("transition sequence wrong: %v", flips)
	}
}

func TestProximityGuard_RefreshErrorKeepsState(t *testing.T) {
	g := NewProximityGuard(proximity.FuncService(func(ctx context.Context, id string) (bool, error) {
		return false, errors.New("gps unavailable")
	}), "p1", models.ParticipantProfile{ID: "p1"}, nil)

	err := g.Refresh(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsKind(err, KindFetch) {
		t.Fatalf("expected fetch kind, got %v", err)
	}
	if g.State().CheckedTS != 0 {
		t.Fatalf("failed check recorded a timestamp")
	}
}

func TestProximityGuard_RecheckCronValidation(t *testing.T) {
	g := NewProximityGuard(proximity.StaticService(true), "p1", models.ParticipantProfile{ID: "p1"}, nil)

	if _, err := g.StartRecheck(context.Background(), "not a cron"); err == nil {
		t.Fatalf("invalid cron accepted")
	}
	cancel, err := g.StartRecheck(context.Background(), "")
	if err != nil {
		t.Fatalf("empty cron must disable the scheduler, got %v", err)
	}
	cancel()

	cancel, err = g.StartRecheck(context.Background(), "* * * * *")
	if err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
	cancel()
}
