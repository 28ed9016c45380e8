package regs

import (
	"fmt"
	"sync"
)

// Write is one recorded poke.
type Write struct {
	Addr uint32
	Data uint32
}

// Memory is an in-memory register file. Peeks return, in order of
// precedence, the PeekHook result, a readback value, or the last poked
// word. Every poke is recorded. It backs the device simulator and unit tests.
type Memory struct {
	mu       sync.Mutex
	words    map[uint32]uint32
	readback map[uint32]uint32
	writes   []Write

	// PeekHook, when set, may override the value returned for addr.
	PeekHook func(addr uint32) (uint32, bool)
	// PokeHook, when set, observes every poke after it is stored.
	PokeHook func(addr, data uint32)

	failPeek map[uint32]error
	failPoke map[uint32]error
}

var _ Iface = (*Memory)(nil)

// NewMemory returns an empty register file.
func NewMemory() *Memory {
	return &Memory{
		words:    make(map[uint32]uint32),
		readback: make(map[uint32]uint32),
		failPeek: make(map[uint32]error),
		failPoke: make(map[uint32]error),
	}
}

// Peek32 implements Iface.
func (m *Memory) Peek32(addr uint32) (uint32, error) {
	m.mu.Lock()
	if err, ok := m.failPeek[addr]; ok {
		m.mu.Unlock()
		return 0, err
	}
	hook := m.PeekHook
	m.mu.Unlock()

	if hook != nil {
		if v, ok := hook(addr); ok {
			return v, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.readback[addr]; ok {
		return v, nil
	}
	return m.words[addr], nil
}

// Poke32 implements Iface.
func (m *Memory) Poke32(addr, data uint32) error {
	m.mu.Lock()
	if err, ok := m.failPoke[addr]; ok {
		m.mu.Unlock()
		return err
	}
	m.words[addr] = data
	m.writes = append(m.writes, Write{Addr: addr, Data: data})
	hook := m.PokeHook
	m.mu.Unlock()

	if hook != nil {
		hook(addr, data)
	}
	return nil
}

// SetReadback fixes the value peeks of addr return, independent of pokes.
func (m *Memory) SetReadback(addr, v uint32) {
	m.mu.Lock()
	m.readback[addr] = v
	m.mu.Unlock()
}

// Store sets a word as if it had been poked, without recording a write.
func (m *Memory) Store(addr, v uint32) {
	m.mu.Lock()
	m.words[addr] = v
	m.mu.Unlock()
}

// Word returns the last poked or stored value at addr.
func (m *Memory) Word(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr]
}

// FailPeek makes peeks of addr return err. A nil err clears the failure.
func (m *Memory) FailPeek(addr uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failPeek, addr)
		return
	}
	m.failPeek[addr] = err
}

// FailPoke makes pokes of addr return err. A nil err clears the failure.
func (m *Memory) FailPoke(addr uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failPoke, addr)
		return
	}
	m.failPoke[addr] = err
}

// Writes returns a copy of the poke log.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Write, len(m.writes))
	copy(out, m.writes)
	return out
}

// WritesTo returns the values poked to addr, in order.
func (m *Memory) WritesTo(addr uint32) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []uint32
	for _, w := range m.writes {
		if w.Addr == addr {
			out = append(out, w.Data)
		}
	}
	return out
}

// ResetWrites clears the poke log.
func (m *Memory) ResetWrites() {
	m.mu.Lock()
	m.writes = nil
	m.mu.Unlock()
}

func (w Write) String() string {
	return fmt.Sprintf("0x%04x<-0x%08x", w.Addr, w.Data)
}
