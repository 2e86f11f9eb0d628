package ledger

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics_FloorCounted(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, testDevice, "@REP-AAAA-AAAA", 1)
	l := New(store)

	floorsBefore := counterValue(t, LedgerFloorsTotal)
	opsBefore := counterValue(t, LedgerOpsTotal.WithLabelValues("debit"))

	_, err := l.Debit(context.Background(), testDevice, 3)
	require.NoError(t, err)

	assert.Equal(t, floorsBefore+1, counterValue(t, LedgerFloorsTotal))
	assert.Equal(t, opsBefore+1, counterValue(t, LedgerOpsTotal.WithLabelValues("debit")))
}
