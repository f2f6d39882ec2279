package vm

import (
	"context"
	"time"

	"github.com/containerd/log"
)

type delayedShutdown struct {
	timer    *time.Timer
	deadline time.Time
}

// ScheduleShutdown powers the instance down after delay. A zero delay shuts
// down immediately. Scheduling again replaces the pending deadline.
func (m *Machine) ScheduleShutdown(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return m.Shutdown(ctx, ShutdownPowerdown)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.specs.State; st {
	case StateRunning:
		if err := m.commitLocked(ctx, StateDelayedShutdown); err != nil {
			return err
		}
	case StateDelayedShutdown:
		m.stopDelayedLocked()
	default:
		return &StateInvalidError{Name: m.name, Op: "schedule a shutdown of", State: st}
	}

	d := &delayedShutdown{deadline: time.Now().Add(delay)}
	bg := context.WithoutCancel(ctx)
	d.timer = time.AfterFunc(delay, func() { m.fireDelayedShutdown(bg, d) })
	m.delayed = d

	log.G(ctx).WithFields(log.Fields{
		"instance": m.name,
		"deadline": d.deadline.Format(time.RFC3339),
	}).Info("vm: shutdown scheduled")
	return nil
}

func (m *Machine) fireDelayedShutdown(ctx context.Context, d *delayedShutdown) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Cancelled or rescheduled while the timer was firing.
	if m.delayed != d {
		return
	}
	m.delayed = nil

	if err := m.shutdownLocked(ctx, ShutdownPowerdown); err != nil {
		log.G(ctx).WithError(err).WithField("instance", m.name).Error("vm: delayed shutdown failed")
	}
}

// CancelShutdown aborts a pending delayed shutdown and returns the instance
// to running.
func (m *Machine) CancelShutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.specs.State; st != StateDelayedShutdown {
		return &StateInvalidError{Name: m.name, Op: "cancel the shutdown of", State: st}
	}
	m.stopDelayedLocked()
	return m.commitLocked(ctx, StateRunning)
}

// TimeRemaining reports how long until a pending delayed shutdown fires.
func (m *Machine) TimeRemaining() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.delayed == nil {
		return 0, false
	}
	return max(time.Until(m.delayed.deadline), 0), true
}

func (m *Machine) stopDelayedLocked() {
	if m.delayed == nil {
		return
	}
	m.delayed.timer.Stop()
	m.delayed = nil
}
