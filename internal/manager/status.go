package manager

import "github.com/EternityForest/Acorns/internal/program"

// Status is a snapshot of one program's bookkeeping.
type Status struct {
	ID            string
	VersionTag    string
	Parent        string
	Busy          int
	Refs          int
	Zombie        bool
	PendingBytes  int
	Subscriptions int
	Children      []string
}

// Status returns a snapshot of program id. The root program is "".
func (m *Manager) Status(id string) (Status, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	p := m.reg.Lookup(id)
	if p == nil {
		return Status{}, false
	}
	return snapshot(p), true
}

// Programs returns snapshots of every loaded program in slot order.
func (m *Manager) Programs() []Status {
	m.lock.Lock()
	defer m.lock.Unlock()
	progs := m.reg.Programs()
	out := make([]Status, 0, len(progs))
	for _, p := range progs {
		out = append(out, snapshot(p))
	}
	return out
}

// FreeSlots returns the number of empty registry slots.
func (m *Manager) FreeSlots() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reg.FreeSlots()
}

func snapshot(p *program.Program) Status {
	s := Status{
		ID:            p.ID(),
		VersionTag:    p.VersionTag(),
		Busy:          p.Busy(),
		Refs:          p.Refs(),
		Zombie:        p.Zombie(),
		PendingBytes:  p.PendingLen(),
		Subscriptions: p.Subscriptions(),
	}
	if parent := p.Parent(); parent != nil {
		s.Parent = parent.ID()
	}
	for _, c := range p.Children() {
		s.Children = append(s.Children, c.ID())
	}
	return s
}
