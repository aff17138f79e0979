package execution

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quantum-pro-fx/qprotraderV2/internal/broker"
	sig "github.com/quantum-pro-fx/qprotraderV2/internal/signal"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Connect(ctx context.Context) error { return nil }
func (m *mockBroker) Accounts(ctx context.Context) ([]broker.Account, error) {
	return nil, nil
}
func (m *mockBroker) Positions(ctx context.Context, accountID string) ([]broker.Position, error) {
	return nil, nil
}
func (m *mockBroker) PlaceOrder(ctx context.Context, req broker.OrderRequest) (*broker.Order, error) {
	args := m.Called(ctx, req)
	order, _ := args.Get(0).(*broker.Order)
	return order, args.Error(1)
}
func (m *mockBroker) CancelOrder(ctx context.Context, accountID, orderID string) error {
	return m.Called(ctx, accountID, orderID).Error(0)
}
func (m *mockBroker) StreamTicks(ctx context.Context, instruments []string, out chan<- sig.Tick) error {
	return nil
}
func (m *mockBroker) Fills() <-chan broker.Fill { return nil }

func TestSubmitDispatchesAsynchronously(t *testing.T) {
	var buf bytes.Buffer
	b := &mockBroker{}
	req := broker.OrderRequest{ClientOrderID: "c1", AccountID: "acct", Instrument: "EUR_USD", Side: broker.Buy, Quantity: 1000}
	b.On("PlaceOrder", mock.Anything, req).Return(&broker.Order{ID: "v1", ClientOrderID: "c1", Status: broker.OrderAccepted}, nil)

	exec := NewExecutor(b, zerolog.New(&buf), Config{Workers: 2, QueueSize: 4})
	results := make(chan Result, 1)
	require.NoError(t, exec.Submit(context.Background(), req, func(r Result) { results <- r }))

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		assert.Equal(t, "v1", r.Order.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch result not delivered")
	}
	exec.Shutdown()
	b.AssertExpectations(t)
	assert.True(t, strings.Contains(buf.String(), "EUR_USD"), "log does not contain instrument: %s", buf.String())
}

func TestSubmitReportsBrokerError(t *testing.T) {
	b := &mockBroker{}
	b.On("PlaceOrder", mock.Anything, mock.Anything).Return(nil, errors.New("boom"))

	exec := NewExecutor(b, zerolog.Nop(), Config{})
	defer exec.Shutdown()

	results := make(chan Result, 1)
	require.NoError(t, exec.Submit(context.Background(), broker.OrderRequest{Instrument: "EUR_USD", Side: broker.Sell}, func(r Result) { results <- r }))
	r := <-results
	assert.EqualError(t, r.Err, "boom")
	assert.Equal(t, "error", outcome(r))
}

func TestSubmitWhenFullOrClosed(t *testing.T) {
	release := make(chan struct{})
	b := &mockBroker{}
	b.On("PlaceOrder", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(&broker.Order{Status: broker.OrderAccepted}, nil)

	exec := NewExecutor(b, zerolog.Nop(), Config{Workers: 1, QueueSize: 1})

	var wg sync.WaitGroup
	var full error
	for i := 0; i < 5 && full == nil; i++ {
		wg.Add(1)
		if err := exec.Submit(context.Background(), broker.OrderRequest{Instrument: "EUR_USD", Side: broker.Buy}, func(Result) { wg.Done() }); err != nil {
			wg.Done()
			full = err
		}
	}
	assert.ErrorIs(t, full, ErrPoolFull)

	close(release)
	wg.Wait()
	exec.Shutdown()
	assert.ErrorIs(t, exec.Submit(context.Background(), broker.OrderRequest{}, nil), ErrClosed)
}

func TestCancelWrapsError(t *testing.T) {
	b := &mockBroker{}
	b.On("CancelOrder", mock.Anything, "acct", "o1").Return(broker.ErrNotConnected)

	exec := NewExecutor(b, zerolog.Nop(), Config{})
	defer exec.Shutdown()
	err := exec.Cancel(context.Background(), "acct", "o1")
	assert.ErrorIs(t, err, broker.ErrNotConnected)
}
