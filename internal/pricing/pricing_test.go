package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPriceForExplicitModel(t *testing.T) {
	s := NewStore()
	q := s.PriceFor(Selection{Model: "code"})
	assert.Equal(t, "I3-Code-LLM", q.Model)
	assert.True(t, q.Total.Equal(d("0.0035")), q.Total.String())
}

func TestPriceForKeywordRouting(t *testing.T) {
	s := NewStore()
	q := s.PriceFor(Selection{Prompt: "Please fix this Python bug"})
	assert.Equal(t, "I3-Code-LLM", q.Model)
	assert.Equal(t, []string{"I3-Code-LLM"}, q.Candidates)
}

func TestPriceForFallsBackToDefault(t *testing.T) {
	s := NewStore()
	q := s.PriceFor(Selection{Model: "unknown", Prompt: "hello"})
	assert.Equal(t, "I3-Generic-Foundation-LLM", q.Model)
	assert.True(t, q.PricePerCall.Equal(d("0.002")))
}

func TestEstimateWorkflow(t *testing.T) {
	s := NewStore()
	nodes := s.EstimateWorkflow([]NodeSpec{
		{Name: "extract", Calls: 2},
		{Name: "", Model: "I3-Code-LLM"},
	})
	require.Len(t, nodes, 2)
	assert.Equal(t, "extract", nodes[0].Name)
	assert.True(t, nodes[0].ComputeCost.Equal(d("0.0016")))
	assert.True(t, nodes[0].GasCost.Equal(d("0.0005")))
	assert.True(t, nodes[0].TotalCost.Equal(d("0.0021")))
	assert.Equal(t, "node-2", nodes[1].Name)
	assert.Equal(t, int64(1), nodes[1].Calls)
	assert.True(t, nodes[1].TotalCost.Equal(d("0.0035")))
	assert.True(t, Total(nodes).Equal(d("0.0056")))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_model: tiny
models:
  - id: tiny
    price_per_call: 0.0001
    gas_per_call: 0.00001
`), 0o600))
	s := NewStore()
	n, err := s.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, path, s.Source())
	q := s.PriceFor(Selection{})
	assert.Equal(t, "tiny", q.Model)
	assert.True(t, q.Total.Equal(d("0.00011")))
}

func TestLoadRejectsNegativePrice(t *testing.T) {
	s := NewStore()
	err := s.LoadBytes([]byte("models:\n  - id: bad\n    price_per_call: -1\n"), "inline")
	assert.Error(t, err)
	assert.Equal(t, "builtin", s.Source())
}
