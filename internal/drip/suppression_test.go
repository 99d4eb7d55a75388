package drip

import (
	"context"
	"testing"

	"github.com/bissquit/lead-drip/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockOracle(name string) *MockOracle {
	return &MockOracle{name: name}
}

func TestSuppression_HasRepliedOrOptedOut(t *testing.T) {
	tests := []struct {
		name   string
		status *domain.SuppressionStatus
		err    error
		want   bool
	}{
		{name: "replied", status: &domain.SuppressionStatus{Replied: true}, want: true},
		{name: "opted out", status: &domain.SuppressionStatus{OptedOut: true}, want: true},
		{name: "neither", status: &domain.SuppressionStatus{}, want: false},
		{name: "no information", status: nil, want: false},
		{name: "lookup fails open", err: errBoom, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := newMockOracle("crm")
			oracle.On("Lookup", mock.Anything, "ann@example.com").Return(tt.status, tt.err)

			got := NewSuppression(oracle).HasRepliedOrOptedOut(context.Background(), "ann@example.com")
			assert.Equal(t, tt.want, got)
			oracle.AssertExpectations(t)
		})
	}
}

func TestSuppression_FirstSuppressedWins(t *testing.T) {
	first := newMockOracle("optout_list")
	first.On("Lookup", mock.Anything, "ann@example.com").Return(&domain.SuppressionStatus{OptedOut: true}, nil)
	second := newMockOracle("crm")

	assert.True(t, NewSuppression(first, second).HasRepliedOrOptedOut(context.Background(), "ann@example.com"))
	second.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestSuppression_ErrorFallsThroughToNextOracle(t *testing.T) {
	broken := newMockOracle("crm")
	broken.On("Lookup", mock.Anything, mock.Anything).Return(nil, errBoom)
	local := newMockOracle("optout_list")
	local.On("Lookup", mock.Anything, mock.Anything).Return(&domain.SuppressionStatus{Replied: true}, nil)

	assert.True(t, NewSuppression(broken, local).HasRepliedOrOptedOut(context.Background(), "ann@example.com"))
}

func TestSuppression_NoOracles(t *testing.T) {
	assert.False(t, NewSuppression().HasRepliedOrOptedOut(context.Background(), "ann@example.com"))
}

func TestOptOutOracle_Lookup(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.OptOut(context.Background(), "ann@example.com", "link"))

	oracle := NewOptOutOracle(store)
	assert.Equal(t, "optout_list", oracle.Name())

	status, err := oracle.Lookup(context.Background(), "  Ann@Example.com ")
	require.NoError(t, err)
	assert.True(t, status.OptedOut)
	assert.False(t, status.Replied)

	status, err = oracle.Lookup(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.False(t, status.Suppressed())
}
