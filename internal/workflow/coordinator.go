package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tokligence/paygate/internal/execution"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/pricing"
	"github.com/tokligence/paygate/internal/syncutil"
)

// Coordinator drives workflow sessions through the invoice engine.
type Coordinator struct {
	engine   *invoice.Engine
	entries  ledger.EntryStore
	sessions SessionStore
	pricing  *pricing.Store
	exec     *execution.Service
	logger   *zap.Logger
	locks    syncutil.KeyedMutex
}

// NewCoordinator wires a coordinator. exec may be nil, in which case nodes
// settle without running anything.
func NewCoordinator(engine *invoice.Engine, entries ledger.EntryStore, sessions SessionStore, prices *pricing.Store, exec *execution.Service, logger *zap.Logger) *Coordinator {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		engine:   engine,
		entries:  entries,
		sessions: sessions,
		pricing:  prices,
		exec:     exec,
		logger:   logger.Named("workflow"),
	}
}

// Sessions exposes the session cache, e.g. for the reaper.
func (c *Coordinator) Sessions() SessionStore { return c.sessions }

// StartRequest opens (or resumes) a per-node billed workflow.
type StartRequest struct {
	// SessionID resumes an existing session when set.
	SessionID    string
	UserID       string
	WorkflowID   string
	WorkflowName string
	Nodes        []pricing.NodeSpec
}

// Step is the outcome of Start or Advance.
type Step struct {
	Session Session
	// Invoice is the next node invoice, nil once the workflow is done.
	Invoice  *invoice.Invoice
	Node     ledger.Node
	Previous *ledger.NodeResult
	Done     bool
}

// Start issues the invoice for the session's current node. Without a known
// session id a new session is created from req.Nodes.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (Step, error) {
	if req.SessionID != "" {
		unlock := c.locks.Lock(req.SessionID)
		defer unlock()
		sess, err := c.load(ctx, req.SessionID)
		switch {
		case err == nil && !sess.Prepaid && !sess.Complete():
			return c.issue(ctx, sess, nil)
		case err == nil && sess.Complete():
			return Step{}, ledger.Fail(ledger.CodeSessionComplete, "workflow session already completed")
		case err != nil && !ledger.IsCode(err, ledger.CodeSessionNotFound):
			return Step{}, err
		}
	}

	nodes := c.pricing.EstimateWorkflow(req.Nodes)
	if len(nodes) == 0 {
		return Step{}, ledger.Fail(ledger.CodeInvalidWorkflow, "workflow request must include at least one node")
	}
	id := uuid.NewString()
	now := c.engine.Now()
	sess := Session{
		ID:           id,
		UserID:       req.UserID,
		WorkflowID:   firstNonEmpty(req.WorkflowID, id),
		WorkflowName: firstNonEmpty(req.WorkflowName, "Custom workflow"),
		Nodes:        nodes,
		CreatedAt:    now,
	}
	unlock := c.locks.Lock(id)
	defer unlock()
	c.logger.Debug("workflow session created", zap.String("session_id", id), zap.Int("nodes", len(nodes)))
	return c.issue(ctx, sess, nil)
}

// issue returns the outstanding invoice for the current node, creating one
// when none is pending. Caller holds the session lock.
func (c *Coordinator) issue(ctx context.Context, sess Session, prev *ledger.NodeResult) (Step, error) {
	node, _ := sess.Current()
	if sess.Pending != "" {
		if entry, err := c.entries.GetEntry(ctx, sess.Pending); err == nil &&
			entry.Status == ledger.StatusPendingPayment &&
			!entry.Expired(c.engine.Now()) &&
			entry.Meta.Workflow != nil && entry.Meta.Workflow.NodeIndex == sess.Index {
			inv := c.engine.InvoiceFor(entry)
			return Step{Session: sess, Invoice: &inv, Node: node, Previous: prev}, nil
		}
	}
	inv, err := c.engine.Create(ctx, invoice.CreateRequest{
		Type:        ledger.TypeWorkflow,
		UserID:      sess.UserID,
		Unit:        node.Name,
		Amount:      node.TotalCost,
		UnitCount:   node.Calls,
		Description: "Workflow node " + node.Name,
		Meta:        ledger.Meta{Workflow: c.anchor(sess)},
	})
	if err != nil {
		return Step{}, err
	}
	sess.Pending = inv.RequestID
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Step{}, fmt.Errorf("save session: %w", err)
	}
	return Step{Session: sess, Invoice: &inv, Node: node, Previous: prev}, nil
}

func (c *Coordinator) anchor(sess Session) *ledger.WorkflowMeta {
	return &ledger.WorkflowMeta{
		SessionID:    sess.ID,
		WorkflowID:   sess.WorkflowID,
		WorkflowName: sess.WorkflowName,
		Nodes:        append([]ledger.Node(nil), sess.Nodes...),
		NodeIndex:    sess.Index,
		Completed:    sess.Index,
	}
}

// AdvanceRequest carries the payment for the current node.
type AdvanceRequest struct {
	SessionID     string
	RequestID     string
	Proof         payment.Proof
	WalletAddress string
}

// Advance settles the current node invoice, moves the cursor and issues the
// next invoice, or finishes the session after the last node.
func (c *Coordinator) Advance(ctx context.Context, req AdvanceRequest) (Step, error) {
	if req.RequestID == "" {
		return Step{}, ledger.Fail(ledger.CodeMissingRequestID, "include X-Request-Id when submitting payment proof")
	}
	entry, err := c.engine.Lookup(ctx, req.RequestID)
	if err != nil {
		return Step{}, err
	}
	if entry.Meta.Workflow == nil || entry.Type != ledger.TypeWorkflow {
		return Step{}, ledger.Fail(ledger.CodeUnknownRequest, "workflow invoice not found")
	}
	sessionID := entry.SessionID()
	if req.SessionID != "" && req.SessionID != sessionID {
		return Step{}, ledger.Fail(ledger.CodeUnknownRequest, "invoice does not belong to this workflow session")
	}

	unlock := c.locks.Lock(sessionID)
	defer unlock()
	sess, err := c.load(ctx, sessionID)
	if err != nil {
		return Step{}, err
	}

	settled, err := c.engine.Settle(ctx, invoice.SettleRequest{
		RequestID:     req.RequestID,
		Proof:         req.Proof,
		WalletAddress: req.WalletAddress,
		Types:         []ledger.Type{ledger.TypeWorkflow},
		Run:           c.runNode(sessionID),
	})
	if err != nil {
		var expired *invoice.ExpiredError
		if errors.As(err, &expired) {
			sess.Pending = expired.Invoice.RequestID
			if perr := c.sessions.Put(ctx, sess); perr != nil {
				c.logger.Warn("save session after reissue", zap.String("session_id", sessionID), zap.Error(perr))
			}
		}
		return Step{}, err
	}

	wf := settled.Entry.Meta.Workflow
	var prev *ledger.NodeResult
	if wf != nil {
		prev = wf.NodeResult
		if wf.NodeIndex+1 > sess.Index {
			sess.Index = wf.NodeIndex + 1
		}
	}
	if sess.Complete() {
		if err := c.sessions.Delete(ctx, sessionID); err != nil {
			c.logger.Warn("drop finished session", zap.String("session_id", sessionID), zap.Error(err))
		}
		c.logger.Info("workflow completed", zap.String("session_id", sessionID), zap.Int("nodes", len(sess.Nodes)))
		return Step{Session: sess, Previous: prev, Done: true}, nil
	}
	return c.issue(ctx, sess, prev)
}

func (c *Coordinator) runNode(sessionID string) invoice.RunFunc {
	if c.exec == nil {
		return nil
	}
	return func(ctx context.Context, entry ledger.Entry) (ledger.Result, error) {
		node := ledger.Node{Name: entry.ModelOrNode, Calls: entry.TokensOrCalls, TotalCost: entry.AmountDue}
		if wf := entry.Meta.Workflow; wf != nil && wf.NodeIndex < len(wf.Nodes) {
			node = wf.Nodes[wf.NodeIndex]
		}
		return c.execute(ctx, sessionID, node), nil
	}
}

func (c *Coordinator) execute(ctx context.Context, sessionID string, node ledger.Node) ledger.Result {
	if c.exec == nil {
		return ledger.Result{Model: modelFor(node), Output: fmt.Sprintf("Node %s settled.", node.Name)}
	}
	return c.exec.Invoke(ctx, execution.Invocation{
		Prompt:   fmt.Sprintf("Execute %s with %d call(s)", node.Name, node.Calls),
		Model:    modelFor(node),
		Amount:   node.TotalCost,
		Metadata: map[string]string{"workflow_session_id": sessionID},
	})
}

func modelFor(node ledger.Node) string {
	if node.Model != "" {
		return node.Model
	}
	return node.Name
}

// PrepayRequest invoices a whole workflow up front.
type PrepayRequest struct {
	UserID       string
	WorkflowID   string
	WorkflowName string
	Nodes        []pricing.NodeSpec
}

// Prepay issues one workflow_prepay invoice for the sum of all node costs.
// The session id is assigned now and returned once the invoice settles.
func (c *Coordinator) Prepay(ctx context.Context, req PrepayRequest) (invoice.Invoice, []ledger.Node, error) {
	nodes := c.pricing.EstimateWorkflow(req.Nodes)
	if len(nodes) == 0 {
		return invoice.Invoice{}, nil, ledger.Fail(ledger.CodeInvalidWorkflow, "workflow must contain at least one node")
	}
	name := firstNonEmpty(req.WorkflowName, "Workflow")
	id := uuid.NewString()
	inv, err := c.engine.Create(ctx, invoice.CreateRequest{
		Type:        ledger.TypeWorkflowPrepay,
		UserID:      req.UserID,
		Unit:        name,
		Amount:      pricing.Total(nodes),
		UnitCount:   int64(len(nodes)),
		Description: "Prepay for workflow: " + name,
		Meta: ledger.Meta{Workflow: &ledger.WorkflowMeta{
			SessionID:    id,
			WorkflowID:   firstNonEmpty(req.WorkflowID, id),
			WorkflowName: name,
			Nodes:        nodes,
		}},
	})
	if err != nil {
		return invoice.Invoice{}, nil, err
	}
	return inv, nodes, nil
}

// SettlePrepay settles a prepay invoice and opens its execution session.
func (c *Coordinator) SettlePrepay(ctx context.Context, req invoice.SettleRequest) (invoice.Settlement, error) {
	entry, err := c.engine.Lookup(ctx, req.RequestID)
	if err != nil {
		return invoice.Settlement{}, err
	}
	if entry.Type != ledger.TypeWorkflowPrepay {
		return invoice.Settlement{}, ledger.Fail(ledger.CodeUnknownRequest, "workflow prepayment invoice not found")
	}
	req.Run = nil
	req.Types = []ledger.Type{ledger.TypeWorkflowPrepay}
	settled, err := c.engine.Settle(ctx, req)
	if err != nil {
		return invoice.Settlement{}, err
	}
	sessionID := settled.Entry.SessionID()
	if settled.Replayed || sessionID == "" {
		return settled, nil
	}
	unlock := c.locks.Lock(sessionID)
	defer unlock()
	if _, err := c.sessions.Get(ctx, sessionID); errors.Is(err, ErrSessionNotFound) {
		if err := c.sessions.Put(ctx, fromEntry(settled.Entry)); err != nil {
			c.logger.Warn("save prepaid session", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return settled, nil
}

// Execution is the outcome of one prepaid node execution.
type Execution struct {
	Session  Session
	Node     ledger.NodeResult
	Next     *ledger.Node
	Progress Progress
	Done     bool
}

// ExecutePrepaid runs the next node of a settled prepaid session. Progress is
// written to the prepay entry before returning so a restart resumes at the
// following node.
func (c *Coordinator) ExecutePrepaid(ctx context.Context, sessionID, userID string) (Execution, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Execution{}, ledger.Fail(ledger.CodeSessionNotFound, "workflow_session_id is required")
	}
	unlock := c.locks.Lock(sessionID)
	defer unlock()

	entry, err := c.entries.FindBySession(ctx, sessionID)
	if ledger.IsNotFound(err) || (err == nil && entry.Type != ledger.TypeWorkflowPrepay) ||
		(err == nil && userID != "" && entry.UserID != userID) {
		return Execution{}, ledger.Fail(ledger.CodeSessionNotFound, "prepaid workflow session not found; prepay first using /workflow.prepay")
	}
	if err != nil {
		return Execution{}, fmt.Errorf("find session entry: %w", err)
	}
	if entry.Status != ledger.StatusCompleted {
		return Execution{}, ledger.Fail(ledger.CodeSessionNotPaid, "workflow prepayment has not been settled").
			With("request_id", entry.RequestID)
	}

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) {
			return Execution{}, fmt.Errorf("load session: %w", err)
		}
		sess = fromEntry(entry)
	}
	if done := entry.Meta.Workflow.Completed; done > sess.Index {
		sess.Index = done
	}
	node, ok := sess.Current()
	if !ok {
		return Execution{}, ledger.Fail(ledger.CodeSessionComplete, "workflow session already completed")
	}

	result := c.execute(ctx, sessionID, node)
	nr := ledger.NodeResult{
		Index:     sess.Index,
		Name:      node.Name,
		Calls:     node.Calls,
		Cost:      node.TotalCost,
		Result:    &result,
		Timestamp: c.engine.Now(),
	}
	next := sess.Index + 1
	if _, err := c.entries.UpdateMeta(ctx, entry.RequestID, func(m *ledger.Meta) {
		if m.Workflow == nil {
			return
		}
		stored := nr
		m.Workflow.NodeIndex = next
		m.Workflow.Completed = next
		m.Workflow.NodeResult = &stored
	}); err != nil {
		return Execution{}, fmt.Errorf("record workflow progress: %w", err)
	}
	sess.Index = next

	out := Execution{Session: sess, Node: nr, Progress: sess.Progress()}
	if sess.Complete() {
		out.Done = true
		if err := c.sessions.Delete(ctx, sessionID); err != nil {
			c.logger.Warn("drop finished session", zap.String("session_id", sessionID), zap.Error(err))
		}
		c.logger.Info("prepaid workflow completed", zap.String("session_id", sessionID), zap.Int("nodes", len(sess.Nodes)))
		return out, nil
	}
	if n, ok := sess.Current(); ok {
		out.Next = &n
	}
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Execution{}, fmt.Errorf("save session: %w", err)
	}
	return out, nil
}

// load returns the cached session or rebuilds it from the newest entry
// anchoring it.
func (c *Coordinator) load(ctx context.Context, id string) (Session, error) {
	sess, err := c.sessions.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	entry, err := c.entries.FindBySession(ctx, id)
	if ledger.IsNotFound(err) {
		return Session{}, ledger.Fail(ledger.CodeSessionNotFound, "workflow session not found")
	}
	if err != nil {
		return Session{}, fmt.Errorf("find session entry: %w", err)
	}
	sess = fromEntry(entry)
	if err := c.sessions.Put(ctx, sess); err != nil {
		return Session{}, fmt.Errorf("save recovered session: %w", err)
	}
	c.logger.Info("workflow session recovered", zap.String("session_id", id), zap.Int("index", sess.Index))
	return sess, nil
}

// fromEntry reconstructs a session from an anchoring entry.
func fromEntry(entry ledger.Entry) Session {
	wf := entry.Meta.Workflow
	if wf == nil {
		return Session{UserID: entry.UserID, CreatedAt: entry.CreatedAt}
	}
	sess := Session{
		ID:           wf.SessionID,
		UserID:       entry.UserID,
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Nodes:        append([]ledger.Node(nil), wf.Nodes...),
		CreatedAt:    entry.CreatedAt,
	}
	switch entry.Type {
	case ledger.TypeWorkflowPrepay:
		sess.Prepaid = true
		sess.Index = wf.Completed
	default:
		sess.Index = wf.NodeIndex
		switch entry.Status {
		case ledger.StatusCompleted:
			sess.Index = wf.NodeIndex + 1
		case ledger.StatusPendingPayment:
			sess.Pending = entry.RequestID
		}
	}
	if sess.Index > len(sess.Nodes) {
		sess.Index = len(sess.Nodes)
	}
	return sess
}

// Sweep drops idle cached sessions.
func (c *Coordinator) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	return c.sessions.Sweep(ctx, ttl)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
