// Package guard is the client side of the enforcement-mode switch. The
// controller toggles an external validation layer between ENFORCE and
// SHADOW through the Switch interface; the enforcement logic itself lives
// entirely in that external layer.
package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/facturaops/guardrail/pkg/contracts"
)

// Switch flips one subsystem's enforcement mode. SetMode must be locally
// time-bounded: a call that could block indefinitely would stall the whole
// tick.
type Switch interface {
	SetMode(ctx context.Context, subsystemID string, mode contracts.Mode) error
	Mode(subsystemID string) contracts.Mode
}

// MemorySwitch holds modes in process memory, for tests and bootstrap.
type MemorySwitch struct {
	mu    sync.RWMutex
	modes map[string]contracts.Mode
	fail  error
}

// NewMemorySwitch creates a switch with every subsystem in ENFORCE.
func NewMemorySwitch() *MemorySwitch {
	return &MemorySwitch{modes: make(map[string]contracts.Mode)}
}

// FailWith makes every subsequent SetMode return the given error. Tests
// use it to drive the controller into FAILSAFE.
func (s *MemorySwitch) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// SetMode records the mode.
func (s *MemorySwitch) SetMode(_ context.Context, subsystemID string, mode contracts.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if !mode.IsEnforcement() {
		return fmt.Errorf("guard: mode %s is not an enforcement mode", mode)
	}
	s.modes[subsystemID] = mode
	return nil
}

// Mode returns the subsystem's current mode, ENFORCE by default.
func (s *MemorySwitch) Mode(subsystemID string) contracts.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[subsystemID]; ok {
		return m
	}
	return contracts.ModeEnforce
}

// HTTPSwitch posts mode changes to the validation layer's control
// endpoint. Every call carries a hard timeout on top of the caller's
// context so a hung endpoint cannot stall a tick.
type HTTPSwitch struct {
	baseURL string
	client  *http.Client
	timeout time.Duration

	mu    sync.RWMutex
	modes map[string]contracts.Mode
}

// NewHTTPSwitch creates a switch client against the given base URL.
func NewHTTPSwitch(baseURL string, timeout time.Duration) *HTTPSwitch {
	return &HTTPSwitch{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		modes:   make(map[string]contracts.Mode),
	}
}

// SetMode posts the change and caches the confirmed mode.
func (s *HTTPSwitch) SetMode(ctx context.Context, subsystemID string, mode contracts.Mode) error {
	if !mode.IsEnforcement() {
		return fmt.Errorf("guard: mode %s is not an enforcement mode", mode)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		Mode contracts.Mode `json:"mode"`
	}{mode})
	if err != nil {
		return fmt.Errorf("guard: marshal mode change: %w", err)
	}

	url := fmt.Sprintf("%s/v1/subsystems/%s/mode", s.baseURL, subsystemID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("guard: build mode request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("guard: set mode for %s: %w", subsystemID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("guard: set mode for %s: unexpected status %d", subsystemID, resp.StatusCode)
	}

	s.mu.Lock()
	s.modes[subsystemID] = mode
	s.mu.Unlock()
	return nil
}

// Mode returns the last confirmed mode, ENFORCE by default.
func (s *HTTPSwitch) Mode(subsystemID string) contracts.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.modes[subsystemID]; ok {
		return m
	}
	return contracts.ModeEnforce
}
