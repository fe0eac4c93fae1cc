// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"fmt"
	"sync"
)

// Store holds the four register spaces of a device. Every space is
// 1-indexed: valid addresses are 1..Size(space), and wire address A
// refers to cell A.
//
// Each space has its own lock, held for exactly one read or write call.
// A multi-cell write is therefore all-or-nothing to readers of the same
// space, but two separate calls are never atomic as a pair.
type Store struct {
	spaces [4]*space
}

type space struct {
	mu    sync.RWMutex
	bits  []bool
	words []uint16
}

// NewStore creates a store whose four spaces each hold size cells.
// A size below 1 selects DefaultSpaceSize.
func NewStore(size int) *Store {
	if size < 1 {
		size = DefaultSpaceSize
	}
	s := &Store{}
	for _, sp := range []Space{Coils, DiscreteInputs, HoldingRegisters, InputRegisters} {
		if sp.IsBit() {
			s.spaces[sp] = &space{bits: make([]bool, size)}
		} else {
			s.spaces[sp] = &space{words: make([]uint16, size)}
		}
	}
	return s
}

// Size returns the number of cells in a space.
func (s *Store) Size(sp Space) int {
	c, err := s.space(sp)
	if err != nil {
		return 0
	}
	if sp.IsBit() {
		return len(c.bits)
	}
	return len(c.words)
}

func (s *Store) space(sp Space) (*space, error) {
	if int(sp) >= len(s.spaces) {
		return nil, fmt.Errorf("%w: unknown space %d", ErrSpaceMismatch, sp)
	}
	return s.spaces[sp], nil
}

// checkRange validates [addr, addr+count-1] against a space of n cells.
func checkRange(sp Space, n int, addr uint16, count int) error {
	if count < 1 {
		return fmt.Errorf("%w: count %d", ErrInvalidQuantity, count)
	}
	if addr < 1 || int(addr)+count-1 > n {
		return fmt.Errorf("%w: %s %d..%d (size %d)", ErrAddressRange, sp, addr, int(addr)+count-1, n)
	}
	return nil
}

// ReadBits reads count cells from a coil or discrete input space.
func (s *Store) ReadBits(sp Space, addr uint16, count int) ([]bool, error) {
	if !sp.IsBit() {
		return nil, fmt.Errorf("%w: bit read on %s", ErrSpaceMismatch, sp)
	}
	c, err := s.space(sp)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := checkRange(sp, len(c.bits), addr, count); err != nil {
		return nil, err
	}
	out := make([]bool, count)
	copy(out, c.bits[addr-1:])
	return out, nil
}

// WriteBits writes values starting at addr in a coil or discrete input space.
func (s *Store) WriteBits(sp Space, addr uint16, values []bool) error {
	if !sp.IsBit() {
		return fmt.Errorf("%w: bit write on %s", ErrSpaceMismatch, sp)
	}
	c, err := s.space(sp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkRange(sp, len(c.bits), addr, len(values)); err != nil {
		return err
	}
	copy(c.bits[addr-1:], values)
	return nil
}

// ReadRegisters reads count words from a holding or input register space.
func (s *Store) ReadRegisters(sp Space, addr uint16, count int) ([]uint16, error) {
	if sp.IsBit() {
		return nil, fmt.Errorf("%w: register read on %s", ErrSpaceMismatch, sp)
	}
	c, err := s.space(sp)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := checkRange(sp, len(c.words), addr, count); err != nil {
		return nil, err
	}
	out := make([]uint16, count)
	copy(out, c.words[addr-1:])
	return out, nil
}

// WriteRegisters writes values starting at addr in a holding or input register space.
func (s *Store) WriteRegisters(sp Space, addr uint16, values []uint16) error {
	if sp.IsBit() {
		return fmt.Errorf("%w: register write on %s", ErrSpaceMismatch, sp)
	}
	c, err := s.space(sp)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkRange(sp, len(c.words), addr, len(values)); err != nil {
		return err
	}
	copy(c.words[addr-1:], values)
	return nil
}

// CompareAndSwapRegister writes value at addr only if pred accepts the
// current content. The check and the write happen under one lock. It
// returns whether the write happened and the value seen before it.
func (s *Store) CompareAndSwapRegister(sp Space, addr, value uint16, pred func(old uint16) bool) (bool, uint16, error) {
	if sp.IsBit() {
		return false, 0, fmt.Errorf("%w: register write on %s", ErrSpaceMismatch, sp)
	}
	c, err := s.space(sp)
	if err != nil {
		return false, 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := checkRange(sp, len(c.words), addr, 1); err != nil {
		return false, 0, err
	}
	old := c.words[addr-1]
	if !pred(old) {
		return false, old, nil
	}
	c.words[addr-1] = value
	return true, old, nil
}
