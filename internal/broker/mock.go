package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tommyk15/trading-journal/internal/models"
)

// MockBroker serves a scripted set of fills for paper mode, integration runs,
// and tests. Fills are returned in (execution_time, exec_id) order.
type MockBroker struct {
	mu       sync.Mutex
	fills    []models.RawExecution
	authErr  error
	fetchErr error
}

// NewMockBroker creates a mock broker preloaded with the given fills.
func NewMockBroker(fills []models.RawExecution) *MockBroker {
	m := &MockBroker{}
	m.Append(fills...)
	return m
}

// Ensure MockBroker implements Interface at compile time.
var _ Interface = (*MockBroker)(nil)

// FetchExecutions returns the scripted fills at or after since.
func (m *MockBroker) FetchExecutions(ctx context.Context, since time.Time) ([]models.RawExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	out := make([]models.RawExecution, 0, len(m.fills))
	for _, f := range m.fills {
		if !since.IsZero() && f.ExecutionTime.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// AuthStatus returns the configured auth error, nil by default.
func (m *MockBroker) AuthStatus(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authErr
}

// Append adds fills to the script, keeping time order.
func (m *MockBroker) Append(fills ...models.RawExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, fills...)
	sort.Slice(m.fills, func(i, j int) bool {
		if m.fills[i].ExecutionTime.Equal(m.fills[j].ExecutionTime) {
			return m.fills[i].ExecID < m.fills[j].ExecID
		}
		return m.fills[i].ExecutionTime.Before(m.fills[j].ExecutionTime)
	})
}

// SetAuthError makes AuthStatus fail with err until cleared with nil.
func (m *MockBroker) SetAuthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authErr = err
}

// SetFetchError makes FetchExecutions fail with err until cleared with nil.
func (m *MockBroker) SetFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}
