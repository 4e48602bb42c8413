// Package pricing quotes per-call prices for models and workflow nodes.
package pricing

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tokligence/paygate/internal/ledger"
)

//go:embed default.yaml
var defaultTable []byte

// Model is one priced model.
type Model struct {
	ID           string          `yaml:"id"`
	PricePerCall decimal.Decimal `yaml:"price_per_call"`
	GasPerCall   decimal.Decimal `yaml:"gas_per_call"`
	Aliases      []string        `yaml:"aliases"`
	Keywords     []string        `yaml:"keywords"`
}

// Table is the on-disk pricing document.
type Table struct {
	DefaultModel string `yaml:"default_model"`
	Defaults     struct {
		PricePerCall decimal.Decimal `yaml:"price_per_call"`
		GasPerCall   decimal.Decimal `yaml:"gas_per_call"`
	} `yaml:"defaults"`
	Models []Model `yaml:"models"`
}

// Quote is the price of one unit of work.
type Quote struct {
	Model        string
	PricePerCall decimal.Decimal
	GasPerCall   decimal.Decimal
	Calls        int64
	Total        decimal.Decimal
	Candidates   []string
}

// Selection is what a caller sends to be priced.
type Selection struct {
	Model  string
	Prompt string
}

// NodeSpec is a requested workflow node before pricing.
type NodeSpec struct {
	Name  string `json:"name"`
	Model string `json:"model,omitempty"`
	Calls int64  `json:"calls,omitempty"`
}

// Store holds the loaded table with simple lookups.
type Store struct {
	mu     sync.RWMutex
	table  Table
	byName map[string]Model
	source string
	logger *zap.Logger
}

// NewStore returns a store loaded with the built-in table.
func NewStore() *Store {
	s := &Store{logger: zap.NewNop()}
	if err := s.LoadBytes(defaultTable, "builtin"); err != nil {
		panic("pricing: builtin table: " + err.Error())
	}
	return s
}

// SetLogger sets the logger used for reload warnings.
func (s *Store) SetLogger(l *zap.Logger) {
	if l != nil {
		s.logger = l.Named("pricing")
	}
}

// Load replaces the table from a YAML file and returns the model count.
func (s *Store) Load(path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("pricing: empty path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	if err := s.LoadBytes(b, path); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table.Models), nil
}

// LoadBytes replaces the table from YAML bytes.
func (s *Store) LoadBytes(b []byte, src string) error {
	var t Table
	if err := yaml.Unmarshal(b, &t); err != nil {
		return fmt.Errorf("pricing: parse %s: %w", src, err)
	}
	byName := make(map[string]Model)
	for _, m := range t.Models {
		id := normalize(m.ID)
		if id == "" {
			continue
		}
		if m.PricePerCall.IsNegative() || m.GasPerCall.IsNegative() {
			return fmt.Errorf("pricing: model %s has a negative price", m.ID)
		}
		byName[id] = m
		for _, a := range m.Aliases {
			if a = normalize(a); a != "" {
				if _, taken := byName[a]; !taken {
					byName[a] = m
				}
			}
		}
	}
	if t.DefaultModel == "" && len(t.Models) > 0 {
		t.DefaultModel = t.Models[0].ID
	}
	s.mu.Lock()
	s.table = t
	s.byName = byName
	s.source = src
	s.mu.Unlock()
	return nil
}

// Source reports where the current table came from.
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// PriceFor picks a model for sel and quotes one call. An explicit known model
// wins; otherwise the first model whose keywords appear in the prompt; then
// the default model.
func (s *Store) PriceFor(sel Selection) Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []string
	if m, ok := s.byName[normalize(sel.Model)]; ok {
		return s.quote(m, 1, []string{m.ID})
	}
	prompt := strings.ToLower(sel.Prompt)
	var picked *Model
	for i := range s.table.Models {
		m := s.table.Models[i]
		for _, kw := range m.Keywords {
			if kw != "" && strings.Contains(prompt, strings.ToLower(kw)) {
				candidates = append(candidates, m.ID)
				if picked == nil {
					picked = &s.table.Models[i]
				}
				break
			}
		}
	}
	if picked != nil {
		return s.quote(*picked, 1, candidates)
	}
	if m, ok := s.byName[normalize(s.table.DefaultModel)]; ok {
		return s.quote(m, 1, candidates)
	}
	id := sel.Model
	if id == "" {
		id = s.table.DefaultModel
	}
	return s.quote(Model{ID: id}, 1, candidates)
}

// EstimateWorkflow prices every node. Nodes without calls count as one call.
func (s *Store) EstimateWorkflow(nodes []NodeSpec) []ledger.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Node, 0, len(nodes))
	for i, n := range nodes {
		calls := n.Calls
		if calls <= 0 {
			calls = 1
		}
		name := strings.TrimSpace(n.Name)
		if name == "" {
			name = fmt.Sprintf("node-%d", i+1)
		}
		m, ok := s.byName[normalize(n.Model)]
		if !ok {
			m = Model{ID: n.Model}
		}
		q := s.quote(m, calls, nil)
		compute := q.PricePerCall.Mul(decimal.NewFromInt(calls)).Round(6)
		gas := q.GasPerCall.Mul(decimal.NewFromInt(calls)).Round(6)
		out = append(out, ledger.Node{
			Name:        name,
			Model:       n.Model,
			Calls:       calls,
			ComputeCost: compute,
			GasCost:     gas,
			TotalCost:   compute.Add(gas),
		})
	}
	return out
}

// Total sums node costs.
func Total(nodes []ledger.Node) decimal.Decimal {
	sum := decimal.Zero
	for _, n := range nodes {
		sum = sum.Add(n.TotalCost)
	}
	return sum
}

func (s *Store) quote(m Model, calls int64, candidates []string) Quote {
	price, gas := m.PricePerCall, m.GasPerCall
	if price.IsZero() && gas.IsZero() {
		price, gas = s.table.Defaults.PricePerCall, s.table.Defaults.GasPerCall
	}
	return Quote{
		Model:        m.ID,
		PricePerCall: price,
		GasPerCall:   gas,
		Calls:        calls,
		Total:        price.Add(gas).Mul(decimal.NewFromInt(calls)),
		Candidates:   candidates,
	}
}

// StartAutoRefresh reloads path every interval until stop is closed.
func (s *Store) StartAutoRefresh(path string, interval time.Duration, stop <-chan struct{}) {
	if path == "" {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := s.Load(path); err != nil {
					s.logger.Warn("periodic pricing reload failed", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}()
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
