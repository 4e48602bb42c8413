package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Meta carries per-entry context. Common fields apply to every entry type;
// exactly one variant pointer may be set and it must match the entry type.
type Meta struct {
	Description      string        `json:"description,omitempty"`
	Memo             string        `json:"memo,omitempty"`
	WalletAddress    string        `json:"wallet_address,omitempty"`
	Prompt           string        `json:"prompt,omitempty"`
	PaymentMethod    string        `json:"payment_method,omitempty"`
	PrepaidRemaining *int64        `json:"prepaid_remaining,omitempty"`
	Verification     *Verification `json:"verification,omitempty"`
	Result           *Result       `json:"result,omitempty"`

	Inference *InferenceMeta `json:"inference,omitempty"`
	Workflow  *WorkflowMeta  `json:"workflow,omitempty"`
	Share     *ShareMeta     `json:"share,omitempty"`
	Checkin   *CheckinMeta   `json:"checkin,omitempty"`
	Orphan    *OrphanMeta    `json:"orphan,omitempty"`
}

// Verification is the outcome of an on-chain check of a payment proof.
type Verification struct {
	OK          bool            `json:"ok"`
	Code        string          `json:"code"`
	Message     string          `json:"message,omitempty"`
	Policy      string          `json:"policy,omitempty"`
	Payer       string          `json:"payer,omitempty"`
	ExplorerURL string          `json:"explorer_url,omitempty"`
	CheckedAt   *time.Time      `json:"checked_at,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Result summarizes an executed unit of work.
type Result struct {
	Output  string          `json:"output"`
	Model   string          `json:"model,omitempty"`
	Usage   *ResultUsage    `json:"usage,omitempty"`
	Error   string          `json:"error,omitempty"`
	Warning string          `json:"warning,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// ResultUsage is the token and call accounting reported by the executor.
type ResultUsage struct {
	Calls            int64           `json:"calls,omitempty"`
	PromptTokens     int64           `json:"prompt_tokens,omitempty"`
	CompletionTokens int64           `json:"completion_tokens,omitempty"`
	TotalTokens      int64           `json:"total_tokens,omitempty"`
	Amount           decimal.Decimal `json:"amount_usdc"`
}

// InferenceMeta describes a priced model invocation.
type InferenceMeta struct {
	Model        string          `json:"model"`
	PricePerCall decimal.Decimal `json:"price_per_call"`
	GasPerCall   decimal.Decimal `json:"gas_per_call"`
	Candidates   []string        `json:"candidates,omitempty"`
}

// Node is one billable unit of a workflow.
type Node struct {
	Name        string          `json:"name"`
	Model       string          `json:"model,omitempty"`
	Calls       int64           `json:"calls"`
	ComputeCost decimal.Decimal `json:"compute_cost"`
	GasCost     decimal.Decimal `json:"gas_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// NodeResult is the settled outcome of one workflow node.
type NodeResult struct {
	Index       int             `json:"node_index"`
	Name        string          `json:"node_name"`
	Calls       int64           `json:"calls"`
	Cost        decimal.Decimal `json:"cost"`
	TxSignature string          `json:"tx_signature,omitempty"`
	Explorer    string          `json:"explorer,omitempty"`
	Result      *Result         `json:"result,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// WorkflowMeta anchors a workflow session inside a billing entry.
type WorkflowMeta struct {
	SessionID    string      `json:"session_id"`
	WorkflowID   string      `json:"workflow_id,omitempty"`
	WorkflowName string      `json:"workflow_name,omitempty"`
	Nodes        []Node      `json:"nodes"`
	NodeIndex    int         `json:"node_index"`
	Completed    int         `json:"completed"`
	NodeResult   *NodeResult `json:"node_result,omitempty"`
}

// ShareMeta describes a marketplace share or API-call token purchase.
type ShareMeta struct {
	ShareID       string `json:"share_id"`
	TokenPurchase bool   `json:"is_token_purchase"`
}

// CheckinMeta records the UTC day a reward was claimed for.
type CheckinMeta struct {
	DayKey string `json:"day_key"`
}

// OrphanMeta links a flagged payment to the entry it collided with.
type OrphanMeta struct {
	LinkedRequestID string `json:"linked_request_id"`
	Reason          string `json:"reason"`
}

// Validate checks that the set variant matches the entry type.
func (m Meta) Validate(t Type) error {
	var want string
	switch t {
	case TypeInfer:
		want = "inference"
	case TypeWorkflow, TypeWorkflowPrepay:
		want = "workflow"
	case TypeShare, TypeToken:
		want = "share"
	case TypeCheckin:
		want = "checkin"
	case TypeOrphanPayment:
		want = "orphan"
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidEntry, t)
	}
	for name, set := range map[string]bool{
		"inference": m.Inference != nil,
		"workflow":  m.Workflow != nil,
		"share":     m.Share != nil,
		"checkin":   m.Checkin != nil,
		"orphan":    m.Orphan != nil,
	} {
		if set && name != want {
			return fmt.Errorf("%w: %s meta not allowed on %s entry", ErrInvalidEntry, name, t)
		}
	}
	return nil
}

// Clone returns a deep copy of m.
func (m Meta) Clone() Meta {
	out := m
	if m.PrepaidRemaining != nil {
		v := *m.PrepaidRemaining
		out.PrepaidRemaining = &v
	}
	if m.Verification != nil {
		v := *m.Verification
		v.Raw = cloneRaw(m.Verification.Raw)
		out.Verification = &v
	}
	out.Result = m.Result.clone()
	if m.Inference != nil {
		v := *m.Inference
		v.Candidates = append([]string(nil), m.Inference.Candidates...)
		out.Inference = &v
	}
	if m.Workflow != nil {
		v := *m.Workflow
		v.Nodes = append([]Node(nil), m.Workflow.Nodes...)
		if m.Workflow.NodeResult != nil {
			nr := *m.Workflow.NodeResult
			nr.Result = m.Workflow.NodeResult.Result.clone()
			v.NodeResult = &nr
		}
		out.Workflow = &v
	}
	if m.Share != nil {
		v := *m.Share
		out.Share = &v
	}
	if m.Checkin != nil {
		v := *m.Checkin
		out.Checkin = &v
	}
	if m.Orphan != nil {
		v := *m.Orphan
		out.Orphan = &v
	}
	return out
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	v := *r
	v.Raw = cloneRaw(r.Raw)
	if r.Usage != nil {
		u := *r.Usage
		v.Usage = &u
	}
	return &v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Sanitize strips prompt text, wallet identity and raw upstream payloads from
// a copy of e so the persisted record carries no caller secrets. Every entry
// type lists its own sensitive variant fields; an unlisted type keeps only its
// description.
func Sanitize(e Entry) Entry {
	m := e.Meta.Clone()
	m.Prompt = ""
	m.WalletAddress = ""
	if m.Verification != nil {
		m.Verification.Raw = nil
		m.Verification.Payer = ""
	}
	if m.Result != nil {
		m.Result.Raw = nil
	}
	switch e.Type {
	case TypeInfer:
		// Inference carries pricing only.
	case TypeWorkflow, TypeWorkflowPrepay:
		if m.Workflow != nil && m.Workflow.NodeResult != nil && m.Workflow.NodeResult.Result != nil {
			m.Workflow.NodeResult.Result.Raw = nil
		}
	case TypeShare, TypeToken, TypeCheckin, TypeOrphanPayment:
		// Share ids, day keys and orphan links are not caller secrets.
	default:
		m = Meta{Description: m.Description}
	}
	e.Meta = m
	return e
}
