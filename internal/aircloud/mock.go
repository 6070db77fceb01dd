package aircloud

import (
	"context"
	"sync"
	"time"
)

// RecordedCommand is a command seen by MockService
type RecordedCommand struct {
	Command Command
	Time    time.Time
}

// MockService implements Service for testing
type MockService struct {
	mu          sync.Mutex
	valid       bool
	families    []ID
	familiesErr error
	states      map[ID][]DeviceState
	fetchErr    error
	result      CommandResult
	commands    []RecordedCommand
	fetches     map[ID]int
	closed      bool
	onCommand   func(cmd Command)
}

// NewMockService creates a mock that accepts any credentials and answers
// commands with 200.
func NewMockService() *MockService {
	return &MockService{
		valid:   true,
		states:  make(map[ID][]DeviceState),
		fetches: make(map[ID]int),
		result:  CommandResult{StatusCode: 200},
	}
}

// SetCredentialsValid controls ValidateCredentials
func (m *MockService) SetCredentialsValid(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = valid
}

// SetFamilies sets the families returned by LoadFamilyIDs
func (m *MockService) SetFamilies(ids []ID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.families = append([]ID(nil), ids...)
	m.familiesErr = err
}

// SetStates sets the devices returned for a family. A nil slice simulates a
// fetch that produced no data.
func (m *MockService) SetStates(familyID ID, states []DeviceState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if states == nil {
		delete(m.states, familyID)
		return
	}
	m.states[familyID] = append([]DeviceState(nil), states...)
}

// SetFetchError makes LoadClimateData fail
func (m *MockService) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// SetCommandResult sets the result returned by ExecuteCommand
func (m *MockService) SetCommandResult(result CommandResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// OnCommand registers a hook run for every executed command
func (m *MockService) OnCommand(fn func(cmd Command)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommand = fn
}

func (m *MockService) ValidateCredentials(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

func (m *MockService) LoadFamilyIDs(ctx context.Context) ([]ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	if m.familiesErr != nil {
		return nil, m.familiesErr
	}
	return append([]ID(nil), m.families...), nil
}

func (m *MockService) LoadClimateData(ctx context.Context, familyID ID) ([]DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return []DeviceState{}, nil
	}
	m.fetches[familyID]++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	states, ok := m.states[familyID]
	if !ok {
		return nil, nil
	}
	return append([]DeviceState(nil), states...), nil
}

func (m *MockService) ExecuteCommand(ctx context.Context, cmd Command) (CommandResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return CommandResult{Skipped: true}, nil
	}
	m.commands = append(m.commands, RecordedCommand{Command: cmd, Time: time.Now()})
	result := m.result
	hook := m.onCommand
	m.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	return result, nil
}

func (m *MockService) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Commands returns all recorded commands
func (m *MockService) Commands() []RecordedCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedCommand(nil), m.commands...)
}

// Fetches returns how often LoadClimateData ran for a family
func (m *MockService) Fetches(familyID ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches[familyID]
}

// IsClosed reports whether Close was called
func (m *MockService) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var _ Service = (*MockService)(nil)
