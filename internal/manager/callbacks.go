package manager

import (
	"context"

	"github.com/EternityForest/Acorns/internal/callback"
	"github.com/EternityForest/Acorns/internal/engine"
	apperrors "github.com/EternityForest/Acorns/internal/errors"
	"github.com/EternityForest/Acorns/internal/program"
)

// Register binds name to value in program id's scope. value may be an
// engine.Function, an engine.Object or a scalar. The root program ("")
// makes the binding visible to every program that does not shadow it.
func (m *Manager) Register(id, name string, value any) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := m.lookupLocked(id, true)
	if p == nil {
		return apperrors.NewProgramError("cannot register "+name, apperrors.ErrNotFound).WithProgramID(id)
	}
	return p.Context().Set(name, value)
}

// ProvideModule makes value importable by scripts as import(name).
func (m *Manager) ProvideModule(name string, value any) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.modules.Provide(name, value)
}

// AcceptCallback turns argument idx of a host function call into a
// subscription owned by the calling program. It is meant for host functions,
// which run with the lock held.
//
// The caller becomes the producer: it fires the subscription later with
// Fire and gives it up with ReleaseProducer. A host function that already
// holds the lock uses FireLocked, which fails with ErrBusy instead of
// waiting while the owning program (or a descendant) is running. The script holds the consumer
// side through the returned handle if the host function hands it back.
// cleanup runs once, on the first release from either side or when the
// program closes.
func (m *Manager) AcceptCallback(call engine.Call, idx int, cleanup func()) (*callback.Subscription, error) {
	owner := ownerOf(call.Context)
	if owner == nil {
		return nil, apperrors.ErrClosed
	}
	if idx < 0 || idx >= len(call.Args) {
		return nil, apperrors.ErrNotCallable
	}
	return callback.New(m.callbackOptions(), owner, call.Args[idx], cleanup)
}

// Emit fires every script subscribed to topic with args and returns how
// many ran successfully. Scripts subscribe with subscribe(topic, fn).
func (m *Manager) Emit(ctx context.Context, topic string, args ...any) int {
	return m.hub.Emit(ctx, topic, args...)
}

// Subscribers returns the number of live subscriptions on topic.
func (m *Manager) Subscribers(topic string) int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.hub.Count(topic)
}

func (m *Manager) callbackOptions() callback.Options {
	return callback.Options{Lock: m.lock, Registry: m.reg, Bus: m.bus}
}

// ownerOf returns the program an engine context belongs to, or nil for
// contexts no live program owns, such as module scopes.
func ownerOf(c engine.Context) *program.Program {
	if c == nil {
		return nil
	}
	p, ok := c.Owner().(*program.Program)
	if !ok || p.Closed() {
		return nil
	}
	return p
}
