package httpserver

import (
	"net/http"
	"strings"

	"github.com/tokligence/paygate/internal/httpserver/protocol"
	"github.com/tokligence/paygate/internal/invoice"
	"github.com/tokligence/paygate/internal/ledger"
	"github.com/tokligence/paygate/internal/payment"
	"github.com/tokligence/paygate/internal/pricing"
	"github.com/tokligence/paygate/internal/workflow"
)

type workflowEndpoint struct {
	server *Server
}

func newWorkflowEndpoint(server *Server) protocol.Endpoint {
	return &workflowEndpoint{server: server}
}

func (e *workflowEndpoint) Name() string { return "workflow" }

func (e *workflowEndpoint) Routes() []protocol.EndpointRoute {
	if e.server.workflows == nil {
		return nil
	}
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/mcp/workflow/execute", Handler: http.HandlerFunc(e.server.handleWorkflowExecute)},
		{Method: http.MethodPost, Path: "/mcp/workflow.prepay", Handler: http.HandlerFunc(e.server.handleWorkflowPrepay)},
	}
}

type workflowRequest struct {
	identity
	Workflow struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"workflow"`
	Nodes             []pricing.NodeSpec `json:"nodes"`
	SessionID         string             `json:"session_id"`
	WorkflowSessionID string             `json:"workflow_session_id"`
}

func workflowInfo(sess workflow.Session) map[string]any {
	return map[string]any{"id": sess.WorkflowID, "name": sess.WorkflowName}
}

func nodeInfo(index int, n ledger.Node) map[string]any {
	return map[string]any{
		"index":      index,
		"name":       n.Name,
		"calls":      n.Calls,
		"total_cost": n.TotalCost,
	}
}

// handleWorkflowExecute runs per-node billing, or the next node of a prepaid
// session when workflow_session_id is present.
func (s *Server) handleWorkflowExecute(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if strings.TrimSpace(req.WorkflowSessionID) != "" {
		s.executePrepaid(w, r, req)
		return
	}

	proof, paid, err := proofFrom(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	sessionID := strings.TrimSpace(firstNonEmpty(r.Header.Get(payment.WorkflowSessionHeader), req.SessionID))

	var step workflow.Step
	if !paid {
		step, err = s.workflows.Start(r.Context(), workflow.StartRequest{
			SessionID:    sessionID,
			UserID:       req.user(r),
			WorkflowID:   req.Workflow.ID,
			WorkflowName: req.Workflow.Name,
			Nodes:        req.Nodes,
		})
	} else {
		step, err = s.workflows.Advance(r.Context(), workflow.AdvanceRequest{
			SessionID:     sessionID,
			RequestID:     req.requestID(r),
			Proof:         proof,
			WalletAddress: req.wallet(r),
		})
	}
	if err != nil {
		if sessionID != "" {
			w.Header().Set(payment.WorkflowSessionHeader, sessionID)
		}
		s.writeError(w, r, err, nil)
		return
	}

	w.Header().Set(payment.WorkflowSessionHeader, step.Session.ID)
	if step.Done {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":              "ok",
			"workflow_session_id": step.Session.ID,
			"workflow":            workflowInfo(step.Session),
			"settled_at":          s.engine.Now(),
			"final_node":          step.Previous,
		})
		return
	}
	progress := step.Session.Progress()
	extras := map[string]any{
		"workflow_session_id": step.Session.ID,
		"workflow":            workflowInfo(step.Session),
		"node":                nodeInfo(step.Session.Index, step.Node),
		"progress": map[string]any{
			"completed":   progress.Completed,
			"total_nodes": progress.Total,
			"status":      "402→Pay→200",
		},
	}
	if step.Previous != nil {
		extras["previous_node"] = step.Previous
	}
	s.respondInvoice(w, *step.Invoice, extras)
}

func (s *Server) executePrepaid(w http.ResponseWriter, r *http.Request, req workflowRequest) {
	userID := strings.TrimSpace(firstNonEmpty(req.UserID, r.Header.Get(payment.UserIDHeader)))
	if userID == "" && strings.TrimSpace(req.WalletAddress) != "" {
		userID = req.user(r)
	}
	out, err := s.workflows.ExecutePrepaid(r.Context(), req.WorkflowSessionID, userID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	w.Header().Set(payment.WorkflowSessionHeader, out.Session.ID)
	if out.Done {
		s.respondJSON(w, http.StatusOK, map[string]any{
			"status":              "ok",
			"workflow_session_id": out.Session.ID,
			"workflow":            workflowInfo(out.Session),
			"settled_at":          out.Node.Timestamp,
			"final_node":          out.Node,
			"message":             "Workflow completed successfully!",
		})
		return
	}
	body := map[string]any{
		"status":              "continue",
		"workflow_session_id": out.Session.ID,
		"previous_node":       out.Node,
		"progress": map[string]any{
			"completed":   out.Progress.Completed,
			"total_nodes": out.Progress.Total,
			"percentage":  out.Progress.Percentage,
		},
		"message": "Node completed. Continue to next node (no additional payment needed).",
	}
	if out.Next != nil {
		body["next_node"] = nodeInfo(out.Session.Index, *out.Next)
	}
	s.respondJSON(w, http.StatusOK, body)
}

// handleWorkflowPrepay invoices the whole workflow, or settles that invoice
// and returns the session id used for prepaid execution.
func (s *Server) handleWorkflowPrepay(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if _, err := decodeBody(r, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	proof, paid, err := proofFrom(r)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}

	if !paid {
		inv, nodes, err := s.workflows.Prepay(r.Context(), workflow.PrepayRequest{
			UserID:       req.user(r),
			WorkflowID:   req.Workflow.ID,
			WorkflowName: req.Workflow.Name,
			Nodes:        req.Nodes,
		})
		if err != nil {
			s.writeError(w, r, err, nil)
			return
		}
		s.respondInvoice(w, inv, map[string]any{
			"workflow": map[string]any{
				"name":       inv.ModelOrNode,
				"node_count": len(nodes),
				"total_cost": inv.Amount,
			},
			"cost_breakdown": nodes,
		})
		return
	}

	settled, err := s.workflows.SettlePrepay(r.Context(), invoice.SettleRequest{
		RequestID:     req.requestID(r),
		Proof:         proof,
		WalletAddress: req.wallet(r),
	})
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	entry := settled.Entry
	wf := entry.Meta.Workflow
	body := map[string]any{
		"status":              "ok",
		"request_id":          entry.RequestID,
		"workflow_session_id": entry.SessionID(),
		"workflow_name":       entry.ModelOrNode,
		"amount_usdc":         settled.Charged,
		"tx_signature":        entry.TxSignature,
		"settled_at":          entry.CompletedAt,
		"message":             "Workflow prepaid. Execute each node with workflow_session_id.",
	}
	if settled.Explorer != "" {
		body["explorer"] = settled.Explorer
	}
	if wf != nil {
		body["nodes"] = wf.Nodes
		body["completed"] = wf.Completed
	}
	if settled.Replayed {
		body["replayed"] = true
	}
	w.Header().Set(payment.WorkflowSessionHeader, entry.SessionID())
	s.respondJSON(w, http.StatusOK, body)
}
