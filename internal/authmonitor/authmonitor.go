// Package authmonitor implements AuthMonitor (C10, spec.md §4.7 "Auth
// check: every 5 minutes — calls AuthMonitor.checkAll"). It has no direct
// teacher analogue; it is a thin periodic sweep over provider.Provider's
// CheckAuth. Every sweep notifies for each provider whose auth is invalid,
// needs interaction, or expires within the warning window; previous sweep
// results are not remembered, so a persisting problem is reported on every
// sweep.
package authmonitor

import (
	"context"
	"time"

	"github.com/ryaker/zora/internal/provider"
	"github.com/ryaker/zora/internal/telemetry"
)

// Notifier emits a user-visible warning (dashboard/SSE) when a provider's
// auth is near or past expiry.
type Notifier interface {
	NotifyAuthWarning(providerName string, status provider.AuthStatus)
}

// Monitor periodically probes every provider's auth state.
type Monitor struct {
	providers []provider.Provider
	notifier  Notifier
	logger    telemetry.Logger
	warnWindow time.Duration
}

// New constructs a Monitor. warnWindow is how far ahead of ExpiresAt a
// proactive warning fires (spec.md §4.7, "warns before expiry").
func New(providers []provider.Provider, notifier Notifier, logger telemetry.Logger, warnWindow time.Duration) *Monitor {
	if warnWindow <= 0 {
		warnWindow = 24 * time.Hour
	}
	return &Monitor{providers: providers, notifier: notifier, logger: logger, warnWindow: warnWindow}
}

// CheckAll probes every provider's CheckAuth and notifies on problems.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now()
	for _, p := range m.providers {
		status, err := p.CheckAuth(ctx)
		if err != nil {
			m.logger.Warn(ctx, "auth check failed", "provider", p.Name(), "error", err.Error())
			continue
		}
		switch {
		case !status.Valid || status.RequiresInteraction:
			if m.notifier != nil {
				m.notifier.NotifyAuthWarning(p.Name(), status)
			}
		case status.ExpiresAt != nil && status.ExpiresAt.Sub(now) <= m.warnWindow && !status.CanAutoRefresh:
			if m.notifier != nil {
				m.notifier.NotifyAuthWarning(p.Name(), status)
			}
		}
	}
}
