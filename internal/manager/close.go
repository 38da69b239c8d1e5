package manager

import (
	"context"

	"github.com/EternityForest/Acorns/internal/event"
	"github.com/EternityForest/Acorns/internal/program"
)

// Close gracefully closes program id: it waits until neither the program
// nor any descendant is running, closes the descendants, and releases the
// program's context. The record itself lingers as a zombie while queued
// requests still name it. Closing an unknown or already closed program does
// nothing. ctx bounds the wait.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := m.lookupLocked(id, false)
	if p == nil {
		return nil
	}
	return m.closeLocked(ctx, p)
}

// Cancel aborts program id's current run at its next yield checkpoint and
// every later run immediately. It does not wait and does not close the
// program; Kill does both.
func (m *Manager) Cancel(id string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := m.lookupLocked(id, false)
	if p == nil {
		return
	}
	p.Cancel()
	p.Logger().Info("program cancelled")
}

// Kill cancels program id and then closes it.
func (m *Manager) Kill(ctx context.Context, id string) error {
	m.Cancel(id)
	return m.Close(ctx, id)
}

// closeLocked closes p with the lock held. The lock is released while
// waiting for p to go idle.
func (m *Manager) closeLocked(ctx context.Context, p *program.Program) error {
	if err := m.reg.WaitIdle(ctx, p); err != nil {
		return err
	}
	if p.Closed() {
		return nil
	}

	// Busy counts propagate upward, so the whole subtree is idle now.
	for _, child := range p.Children() {
		if err := m.closeLocked(ctx, child); err != nil {
			return err
		}
	}

	// The slot holds one reference; anything beyond it outlives the close.
	id := p.ID()
	zombie := p.Refs() > 1
	m.bus.Publish(event.NewProgramClosedEvent(id, zombie))
	m.reg.Detach(p)
	m.mixEntropy()
	if !zombie {
		m.log.Info("program closed", "program_id", id)
	} else {
		m.log.Info("program closed, waiting for requests to drain", "program_id", id, "refs", p.Refs())
	}
	return nil
}
