// Package trading is the decision core: the per-tick strategy manager,
// the consensus vote, the risk gates with the bot state machine, and the
// order executor for both the live and the shadow track.
package trading

import (
	"fmt"
	"sync"

	"github.com/aristath/taipei-trader/internal/domain"
)

// StateMachine guards the process-wide bot state. RUNNING and PAUSED
// swap freely via commands; STOPPED and EMERGENCY_HALT are terminal
// until restart. The emergency shutdown flag is separate from the halt
// state so a graceful shutdown request is visible to in-flight ticks
// before the process exits.
type StateMachine struct {
	mu               sync.RWMutex
	state            domain.BotState
	shutdownRequest  bool
	haltReason       string
	transitionReason string
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: domain.StateRunning}
}

// State returns the current bot state.
func (s *StateMachine) State() domain.BotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pause moves RUNNING to PAUSED.
func (s *StateMachine) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StateRunning {
		return fmt.Errorf("cannot pause from %s", s.state)
	}
	s.state = domain.StatePaused
	return nil
}

// Resume moves PAUSED back to RUNNING.
func (s *StateMachine) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.StatePaused {
		return fmt.Errorf("cannot resume from %s", s.state)
	}
	s.state = domain.StateRunning
	return nil
}

// Stop is terminal until process restart.
func (s *StateMachine) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateStopped {
		return
	}
	s.state = domain.StateStopped
	s.transitionReason = reason
}

// EmergencyHalt moves any non-terminal state to EMERGENCY_HALT. The
// first reason wins; later calls are no-ops.
func (s *StateMachine) EmergencyHalt(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == domain.StateStopped || s.state == domain.StateEmergencyHalt {
		return false
	}
	s.state = domain.StateEmergencyHalt
	s.haltReason = reason
	return true
}

// HaltReason returns why the bot halted, empty if it has not.
func (s *StateMachine) HaltReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.haltReason
}

// RequestShutdown flags a graceful shutdown. Ticks read it as part of
// the risk gates and stop submitting orders immediately.
func (s *StateMachine) RequestShutdown() {
	s.mu.Lock()
	s.shutdownRequest = true
	s.mu.Unlock()
}

// ShutdownRequested reports whether a graceful shutdown is in progress.
func (s *StateMachine) ShutdownRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdownRequest
}
