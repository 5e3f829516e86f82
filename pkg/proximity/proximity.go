// Package proximity defines the external nearness capability. The engine
// only interprets the boolean; distance math lives with the service.
package proximity

import "context"

// Service answers whether a participant is within the app's distance
// threshold of the local user.
type Service interface {
	IsNearby(ctx context.Context, participantID string) (bool, error)
}

// FuncService adapts a plain function to Service.
type FuncService func(ctx context.Context, participantID string) (bool, error)

func (f FuncService) IsNearby(ctx context.Context, participantID string) (bool, error) {
	return f(ctx, participantID)
}

// StaticService reports a fixed answer; handy for tests and the dev relay.
type StaticService bool

func (s StaticService) IsNearby(ctx context.Context, participantID string) (bool, error) {
	return bool(s), nil
}
