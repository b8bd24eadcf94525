// Package bank holds the coil/register bank shared by the cycle loop and the
// Modbus/TCP server, and the server wrapper exposing it to controllers.
//
// The bank is the only state touched by both goroutines; every access goes
// through one mutex.
package bank

import (
	"sync"

	"github.com/simonvetter/modbus"
)

// Size is the number of coils and of holding registers.
const Size = 65536

// Observer is notified of every protocol request served from the bank.
type Observer interface {
	ObserveRequest(table string, write bool)
}

// Bank is the authoritative coil and holding-register store.
type Bank struct {
	mu        sync.Mutex
	coils     [Size]bool
	registers [Size]uint16
	observer  Observer
}

// New returns a zeroed bank.
func New() *Bank {
	return &Bank{}
}

// SetObserver installs the request observer. Call before the server starts.
func (b *Bank) SetObserver(o Observer) {
	b.observer = o
}

// Coil returns one coil.
func (b *Bank) Coil(addr uint16) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coils[addr]
}

// Coils returns quantity coils starting at addr.
func (b *Bank) Coils(addr, quantity uint16) ([]bool, error) {
	if !inRange(addr, quantity) {
		return nil, modbus.ErrIllegalDataAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bool, quantity)
	copy(out, b.coils[addr:])
	return out, nil
}

// SetCoils writes consecutive coils starting at addr.
func (b *Bank) SetCoils(addr uint16, values []bool) error {
	if len(values) > Size || !inRange(addr, uint16(len(values))) {
		return modbus.ErrIllegalDataAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.coils[addr:], values)
	return nil
}

// UpdateCoil applies fn to one coil atomically: no request can write the coil
// between the read and the write.
func (b *Bank) UpdateCoil(addr uint16, fn func(current bool) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coils[addr] = fn(b.coils[addr])
	return b.coils[addr]
}

// Register returns one holding register.
func (b *Bank) Register(addr uint16) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registers[addr]
}

// Registers returns quantity holding registers starting at addr.
func (b *Bank) Registers(addr, quantity uint16) ([]uint16, error) {
	if !inRange(addr, quantity) {
		return nil, modbus.ErrIllegalDataAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint16, quantity)
	copy(out, b.registers[addr:])
	return out, nil
}

// SetRegisters writes consecutive holding registers starting at addr.
func (b *Bank) SetRegisters(addr uint16, values []uint16) error {
	if len(values) > Size || !inRange(addr, uint16(len(values))) {
		return modbus.ErrIllegalDataAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.registers[addr:], values)
	return nil
}

func inRange(addr, quantity uint16) bool {
	return int(addr)+int(quantity) <= Size
}

// === modbus.RequestHandler ===

// HandleCoils serves function codes 1, 5 and 15.
func (b *Bank) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	b.observe("coils", req.IsWrite)
	if req.IsWrite {
		if err := b.SetCoils(req.Addr, req.Args); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return b.Coils(req.Addr, req.Quantity)
}

// HandleDiscreteInputs mirrors the coils read-only (function code 2).
func (b *Bank) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	b.observe("discrete_inputs", false)
	return b.Coils(req.Addr, req.Quantity)
}

// HandleHoldingRegisters serves function codes 3, 6 and 16.
func (b *Bank) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	b.observe("holding_registers", req.IsWrite)
	if req.IsWrite {
		if err := b.SetRegisters(req.Addr, req.Args); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return b.Registers(req.Addr, req.Quantity)
}

// HandleInputRegisters mirrors the holding registers read-only (function code 4).
func (b *Bank) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	b.observe("input_registers", false)
	return b.Registers(req.Addr, req.Quantity)
}

func (b *Bank) observe(table string, write bool) {
	if b.observer != nil {
		b.observer.ObserveRequest(table, write)
	}
}
