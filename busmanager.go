package tcan

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// BusManager is a process-wide registry of buses, orchestrating
// coordinated shutdown and global sync broadcasts across them (§4.5).
type BusManager struct {
	mu    sync.Mutex
	buses []*CanBus
}

// NewBusManager returns an empty manager.
func NewBusManager() *BusManager {
	return &BusManager{}
}

// AddBus registers bus with the manager.
func (m *BusManager) AddBus(bus *CanBus) {
	m.mu.Lock()
	m.buses = append(m.buses, bus)
	m.mu.Unlock()
}

func (m *BusManager) snapshot() []*CanBus {
	m.mu.Lock()
	defer m.mu.Unlock()
	buses := make([]*CanBus, len(m.buses))
	copy(buses, m.buses)
	return buses
}

// CloseBuses stops every bus's goroutines in LIFO registration order, so
// dispatch can never outlive the manager whose devices it calls back
// into. Any wrapping application must call this before its own state is
// torn down.
func (m *BusManager) CloseBuses(wait bool) {
	buses := m.snapshot()
	for i := len(buses) - 1; i >= 0; i-- {
		buses[i].StopThreads(wait)
	}
	log.Infof("[BUSMANAGER] closed %d buses", len(buses))
}

// SendSyncOnAllBuses drains every bus's outgoing queue, then emits a sync
// frame directly on each in registration order, with no intervening user
// frame possible between drain and sync on any one bus (§5).
func (m *BusManager) SendSyncOnAllBuses(ctx context.Context) error {
	buses := m.snapshot()
	for _, bus := range buses {
		if err := bus.WaitForEmptyQueue(ctx); err != nil {
			return err
		}
	}
	for _, bus := range buses {
		// Hold the queue lock across the sync write, so no frame enqueued
		// after the drain can be transmitted ahead of or alongside it.
		bus.queueMu.Lock()
		for len(bus.queue) > 0 {
			bus.queueMu.Unlock()
			if err := bus.WaitForEmptyQueue(ctx); err != nil {
				return err
			}
			bus.queueMu.Lock()
		}
		err := bus.sendSyncDirect()
		bus.queueMu.Unlock()
		if err != nil {
			log.Warnf("[BUSMANAGER] failed to emit sync: %v", err)
		}
	}
	return nil
}

// ReadAll performs one synchronous ReadMessage on every bus; intended
// for the Asynchronous=false caller-driven loop.
func (m *BusManager) ReadAll() {
	for _, bus := range m.snapshot() {
		if err := bus.ReadMessage(); err != nil {
			log.Debugf("[BUSMANAGER] read error: %v", err)
		}
	}
}

// WriteAll performs one synchronous WriteMessage on every bus.
func (m *BusManager) WriteAll() {
	for _, bus := range m.snapshot() {
		if err := bus.WriteMessage(); err != nil {
			log.Warnf("[BUSMANAGER] write error: %v", err)
		}
	}
}
