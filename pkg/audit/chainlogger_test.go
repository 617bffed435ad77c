package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger()

	e1, err := logger.Append("agent-1", "trip.create", "trip", "t1", map[string]any{"lr": "LR-1"})
	require.NoError(t, err)
	e2, err := logger.Append("agent-1", "trip.add_payment", "trip", "t1", map[string]any{"amount": "1500.00"})
	require.NoError(t, err)
	e3, err := logger.Append("fin-1", "trip.close", "trip", "t1", nil)
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, e1.PreviousHash)
	chain := []*LogEntry{e1, e2, e3}
	require.True(t, VerifyChain(chain))

	original := e2.Payload
	e2.Payload = `{"amount":"1.00"}`
	assert.False(t, VerifyChain(chain), "tampered payload")
	e2.Payload = original

	originalHash := e2.Hash
	e2.Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain), "tampered hash")
	e2.Hash = originalHash

	e3.PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain), "broken link")
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, "a", "x", "trip", "t1", nil))
	require.NoError(t, s.Record(ctx, "a", "y", "trip", "t1", map[string]any{"k": 1}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.True(t, VerifyChain(entries))
	assert.Equal(t, `{"k":1}`, entries[1].Payload)
}

func TestSQLiteSinkPersistsChain(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(ctx, "fin-1", "ledger.top_up", "agent", "agent-1", map[string]any{"amount": "500.00"}))
	require.NoError(t, s.Record(ctx, "agent-1", "trip.close", "trip", "t1", nil))

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].Hash, entries[1].PreviousHash)

	ok, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.db.ExecContext(ctx, `UPDATE audit_log SET payload = '{}' WHERE seq = 1`)
	require.NoError(t, err)
	ok, err = s.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNopSink(t *testing.T) {
	var s Sink = Nop{}
	assert.NoError(t, s.Record(context.Background(), "", "", "", "", nil))
}
