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

// Package plant maps brewery process values onto the register store and
// keeps gateway-written setpoints from being overwritten by the simulation.
package plant

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	modbus "github.com/edgeo-scada/brewery-modbus"
)

var (
	// ErrNoFreeSlot is returned when every fermenter slot is taken.
	ErrNoFreeSlot = errors.New("plant: no free fermenter slot")

	// ErrUnknownFermenter is returned for ids that are not registered.
	ErrUnknownFermenter = errors.New("plant: unknown fermenter")

	// ErrLayoutOutOfRange is returned when the addressing does not fit the store.
	ErrLayoutOutOfRange = errors.New("plant: layout out of range")
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	addressing    Addressing
	sentinels     []uint16
	autoRegister  bool
	maxFermenters int
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAddressing overrides the default block and mirror addresses.
func WithAddressing(a Addressing) Option {
	return func(o *options) {
		o.addressing = a
	}
}

// WithSentinels adds raw mirror values that count as "not set by a gateway"
// in addition to zero. A gateway cannot force a sentinel value: writing
// one to a mirror is treated as unset and the published setpoint is
// written back over it.
func WithSentinels(values ...uint16) Option {
	return func(o *options) {
		o.sentinels = append(o.sentinels, values...)
	}
}

// WithAutoRegister controls whether updates for unknown fermenters
// register them on the fly.
func WithAutoRegister(enable bool) Option {
	return func(o *options) {
		o.autoRegister = enable
	}
}

// WithMaxFermenters caps the number of slots. Zero means as many as fit.
func WithMaxFermenters(n int) Option {
	return func(o *options) {
		o.maxFermenters = n
	}
}

// Manager owns the register map of the plant.
type Manager struct {
	store  *modbus.Store
	logger *slog.Logger
	addr   Addressing

	sentinels    []uint16
	autoRegister bool
	maxSlots     int

	mu    sync.Mutex
	slots map[string]int
	order []string
}

// NewManager validates the addressing against the store and returns a
// manager with no fermenters registered.
func NewManager(store *modbus.Store, opts ...Option) (*Manager, error) {
	o := &options{
		logger:       slog.Default(),
		addressing:   DefaultAddressing(),
		autoRegister: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	a := o.addressing
	if int(a.BlockSize) < ChillerLayout.Len() || int(a.BlockSize) < FermenterLayout.Len() {
		return nil, fmt.Errorf("%w: block size %d is smaller than a block layout", ErrLayoutOutOfRange, a.BlockSize)
	}

	inputSize := store.Size(modbus.InputRegisters)
	holdingSize := store.Size(modbus.HoldingRegisters)

	if a.ChillerBase < 1 || int(a.ChillerBase)+int(a.BlockSize)-1 > inputSize {
		return nil, fmt.Errorf("%w: chiller block at %d", ErrLayoutOutOfRange, a.ChillerBase)
	}
	chillerEnd := int(a.ChillerBase) + int(a.BlockSize) - 1
	if int(a.FermenterBase) <= chillerEnd && int(a.FermenterBase)+int(a.BlockSize)-1 >= int(a.ChillerBase) {
		return nil, fmt.Errorf("%w: fermenter range at %d overlaps the chiller block", ErrLayoutOutOfRange, a.FermenterBase)
	}
	if a.SetpointBase < 1 || int(a.SetpointBase) > holdingSize {
		return nil, fmt.Errorf("%w: setpoint mirror at %d", ErrLayoutOutOfRange, a.SetpointBase)
	}

	// Slots end at whichever runs out first: input space for blocks or
	// holding space for mirrors.
	maxSlots := 0
	if a.FermenterBase >= 1 && int(a.FermenterBase) <= inputSize {
		maxSlots = (inputSize - int(a.FermenterBase) + 1) / int(a.BlockSize)
	}
	if mirrors := holdingSize - int(a.SetpointBase); mirrors < maxSlots {
		maxSlots = mirrors
	}
	if a.FermenterBase < a.ChillerBase {
		// Blocks below the chiller must stop before it.
		if below := (int(a.ChillerBase) - int(a.FermenterBase)) / int(a.BlockSize); below < maxSlots {
			maxSlots = below
		}
	}
	if o.maxFermenters > 0 && o.maxFermenters < maxSlots {
		maxSlots = o.maxFermenters
	}
	if maxSlots < 1 {
		return nil, fmt.Errorf("%w: no room for a fermenter at %d", ErrLayoutOutOfRange, a.FermenterBase)
	}

	return &Manager{
		store:        store,
		logger:       o.logger,
		addr:         a,
		sentinels:    o.sentinels,
		autoRegister: o.autoRegister,
		maxSlots:     maxSlots,
		slots:        make(map[string]int),
	}, nil
}

// Addressing returns the addressing in use.
func (m *Manager) Addressing() Addressing {
	return m.addr
}

// Capacity returns the number of fermenter slots.
func (m *Manager) Capacity() int {
	return m.maxSlots
}

// AddFermenter registers id in the lowest free slot and writes the default
// block. Adding an id twice returns its existing slot.
func (m *Manager) AddFermenter(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if slot, ok := m.slots[id]; ok {
		m.logger.Warn("fermenter already exists", slog.String("id", id), slog.Int("slot", slot))
		return slot, nil
	}
	return m.addLocked(id)
}

func (m *Manager) addLocked(id string) (int, error) {
	used := make(map[int]bool, len(m.slots))
	for _, s := range m.slots {
		used[s] = true
	}
	slot := 0
	for used[slot] {
		slot++
	}
	if slot >= m.maxSlots {
		return 0, fmt.Errorf("%w: %d slots in use", ErrNoFreeSlot, len(m.slots))
	}

	block := make([]uint16, m.addr.BlockSize)
	copy(block, fermenterDefaults)
	base := m.addr.FermenterAddress(slot)
	if err := m.store.WriteRegisters(modbus.InputRegisters, base, block); err != nil {
		return 0, fmt.Errorf("initialize %s: %w", id, err)
	}

	m.slots[id] = slot
	m.order = append(m.order, id)
	m.logger.Info("added fermenter",
		slog.String("id", id),
		slog.Int("slot", slot),
		slog.Uint64("base_address", uint64(base)))
	return slot, nil
}

// RemoveFermenter frees the slot of id and zeroes its block and mirror.
func (m *Manager) RemoveFermenter(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFermenter, id)
	}

	base := m.addr.FermenterAddress(slot)
	if err := m.store.WriteRegisters(modbus.InputRegisters, base, make([]uint16, m.addr.BlockSize)); err != nil {
		return fmt.Errorf("clear %s: %w", id, err)
	}
	if err := m.store.WriteRegisters(modbus.HoldingRegisters, m.addr.FermenterMirror(slot), []uint16{0}); err != nil {
		return fmt.Errorf("clear %s setpoint: %w", id, err)
	}

	delete(m.slots, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.logger.Info("removed fermenter", slog.String("id", id), slog.Int("slot", slot))
	return nil
}

// UpdateChillerData publishes a chiller sample.
func (m *Manager) UpdateChillerData(d ChillerData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mirror := m.addr.ChillerMirror()
	sp, err := m.reconcile(ChillerLayout, mirror, d.Setpoint, "chiller")
	if err != nil {
		return err
	}
	d.Setpoint = sp

	regs := ChillerLayout.Encode(d.values(), int(m.addr.BlockSize))
	if err := m.store.WriteRegisters(modbus.InputRegisters, m.addr.ChillerBase, regs); err != nil {
		return fmt.Errorf("write chiller block: %w", err)
	}
	return m.writeBack(mirror, regs[ChillerLayout.Fields[ChillerLayout.Setpoint].Offset], "chiller")
}

// UpdateFermenterData publishes a sample for fermenter id.
func (m *Manager) UpdateFermenterData(id string, d FermenterData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot, ok := m.slots[id]
	if !ok {
		if !m.autoRegister {
			return fmt.Errorf("%w: %s", ErrUnknownFermenter, id)
		}
		m.logger.Warn("fermenter not found, adding it", slog.String("id", id))
		var err error
		if slot, err = m.addLocked(id); err != nil {
			return err
		}
	}

	mirror := m.addr.FermenterMirror(slot)
	sp, err := m.reconcile(FermenterLayout, mirror, d.Setpoint, id)
	if err != nil {
		return err
	}
	d.Setpoint = sp

	regs := FermenterLayout.Encode(d.values(), int(m.addr.BlockSize))
	if err := m.store.WriteRegisters(modbus.InputRegisters, m.addr.FermenterAddress(slot), regs); err != nil {
		return fmt.Errorf("write %s block: %w", id, err)
	}
	return m.writeBack(mirror, regs[FermenterLayout.Fields[FermenterLayout.Setpoint].Offset], id)
}

// reconcile returns the setpoint to publish: the mirror's value when a
// gateway has written one, otherwise the sampled setpoint.
func (m *Manager) reconcile(l Layout, mirror uint16, setpoint float64, name string) (float64, error) {
	regs, err := m.store.ReadRegisters(modbus.HoldingRegisters, mirror, 1)
	if err != nil {
		return 0, fmt.Errorf("read %s setpoint mirror: %w", name, err)
	}
	field := l.Fields[l.Setpoint]
	current, scaled := regs[0], field.Encode(setpoint)
	if m.isDefault(current) || current == scaled {
		return setpoint, nil
	}

	override := field.Decode(current)
	m.logger.Info("gateway setpoint detected",
		slog.String("block", name),
		slog.Uint64("mirror", uint64(mirror)),
		slog.Float64("setpoint", override),
		slog.Float64("simulated", setpoint))
	return override, nil
}

func (m *Manager) writeBack(mirror, value uint16, name string) error {
	swapped, old, err := m.store.CompareAndSwapRegister(modbus.HoldingRegisters, mirror, value, m.isDefault)
	if err != nil {
		return fmt.Errorf("write %s setpoint mirror: %w", name, err)
	}
	if swapped {
		m.logger.Debug("updated setpoint mirror",
			slog.String("block", name),
			slog.Uint64("mirror", uint64(mirror)),
			slog.Uint64("value", uint64(value)))
	} else {
		m.logger.Debug("preserving gateway setpoint",
			slog.String("block", name),
			slog.Uint64("mirror", uint64(mirror)),
			slog.Uint64("value", uint64(old)))
	}
	return nil
}

func (m *Manager) isDefault(v uint16) bool {
	return v == 0 || slices.Contains(m.sentinels, v)
}

// ListFermenters returns the registered ids in registration order.
func (m *Manager) ListFermenters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.order)
}

// Slot returns the slot of id.
func (m *Manager) Slot(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[id]
	return slot, ok
}

// RegisterMap lists the absolute address of every field.
type RegisterMap struct {
	Chiller    map[string]uint16            `json:"chiller"`
	Fermenters map[string]map[string]uint16 `json:"fermenters"`
}

// GetRegisterMap returns the current register map. Fermenter entries carry
// a base_address key alongside their fields.
func (m *Manager) GetRegisterMap() RegisterMap {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm := RegisterMap{
		Chiller:    ChillerLayout.Addresses(m.addr.ChillerBase),
		Fermenters: make(map[string]map[string]uint16, len(m.slots)),
	}
	for id, slot := range m.slots {
		base := m.addr.FermenterAddress(slot)
		fields := FermenterLayout.Addresses(base)
		fields["base_address"] = base
		rm.Fermenters[id] = fields
	}
	return rm
}

// Setpoints are the current mirror values in °C.
type Setpoints struct {
	ChillerSetpoint float64            `json:"chiller_setpoint"`
	Fermenters      map[string]float64 `json:"fermenters"`
}

// ReadSetpoints reads every setpoint mirror, including values written by
// a gateway.
func (m *Manager) ReadSetpoints() (Setpoints, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	field := ChillerLayout.Fields[ChillerLayout.Setpoint]
	regs, err := m.store.ReadRegisters(modbus.HoldingRegisters, m.addr.ChillerMirror(), 1)
	if err != nil {
		return Setpoints{}, fmt.Errorf("read chiller setpoint: %w", err)
	}
	sp := Setpoints{
		ChillerSetpoint: field.Decode(regs[0]),
		Fermenters:      make(map[string]float64, len(m.slots)),
	}

	field = FermenterLayout.Fields[FermenterLayout.Setpoint]
	for id, slot := range m.slots {
		regs, err := m.store.ReadRegisters(modbus.HoldingRegisters, m.addr.FermenterMirror(slot), 1)
		if err != nil {
			return Setpoints{}, fmt.Errorf("read %s setpoint: %w", id, err)
		}
		sp.Fermenters[id] = field.Decode(regs[0])
	}
	return sp, nil
}

// Test fixtures commonly probed by gateways during commissioning.
const (
	testUint32Address = 30002
	testUint32Value   = 1850 // 18.50°C ×100
)

var (
	testPT100Temps = []float64{18.5, 19.2, 18.8, 19.0, 18.7, 19.1, 18.9}
	testPT100Bases = []uint16{201, 3001}
)

// LoadTestData writes commissioning fixtures into the input registers: a
// uint32 temperature at 30002-30003 and PT100 readings at 201-207 and
// 3001-3007. The uint32 overlaps the chiller block and is overwritten by
// the next chiller update.
func (m *Manager) LoadTestData() error {
	words := modbus.Uint32ToRegisters(testUint32Value)
	if err := m.store.WriteRegisters(modbus.InputRegisters, testUint32Address, words[:]); err != nil {
		return fmt.Errorf("write uint32 fixture: %w", err)
	}

	temp := Field{Scale: 10, Signed: true}
	regs := make([]uint16, len(testPT100Temps))
	for i, t := range testPT100Temps {
		regs[i] = temp.Encode(t)
	}
	for _, base := range testPT100Bases {
		if err := m.store.WriteRegisters(modbus.InputRegisters, base, regs); err != nil {
			return fmt.Errorf("write PT100 fixture at %d: %w", base, err)
		}
	}

	m.logger.Info("loaded test data",
		slog.Uint64("uint32_address", testUint32Address),
		slog.Int("uint32_value", testUint32Value))
	return nil
}
