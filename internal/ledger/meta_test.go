package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sensitiveEntry(t Type) Entry {
	raw := json.RawMessage(`{"upstream":"payload"}`)
	return Entry{
		Type: t,
		Meta: Meta{
			Description:   "desc",
			Prompt:        "secret prompt",
			WalletAddress: "aleo1wallet",
			Verification:  &Verification{OK: true, Payer: "aleo1payer", Raw: raw},
			Result:        &Result{Output: "out", Raw: raw},
			Workflow: &WorkflowMeta{
				SessionID:  "sess-1",
				NodeResult: &NodeResult{Name: "a", Result: &Result{Output: "node", Raw: raw}},
			},
		},
	}
}

func TestSanitizeStripsSecretsForEveryType(t *testing.T) {
	for _, typ := range []Type{TypeInfer, TypeWorkflow, TypeWorkflowPrepay, TypeShare, TypeToken, TypeCheckin, TypeOrphanPayment} {
		t.Run(string(typ), func(t *testing.T) {
			in := sensitiveEntry(typ)
			out := Sanitize(in)
			assert.Empty(t, out.Meta.Prompt)
			assert.Empty(t, out.Meta.WalletAddress)
			require.NotNil(t, out.Meta.Verification)
			assert.Empty(t, out.Meta.Verification.Payer)
			assert.Nil(t, out.Meta.Verification.Raw)
			assert.Nil(t, out.Meta.Result.Raw)
			assert.Equal(t, "out", out.Meta.Result.Output)
			assert.Equal(t, "desc", out.Meta.Description)

			assert.Equal(t, "secret prompt", in.Meta.Prompt, "input is not modified")
			assert.NotNil(t, in.Meta.Result.Raw)
		})
	}
}

func TestSanitizeWorkflowNodeResult(t *testing.T) {
	out := Sanitize(sensitiveEntry(TypeWorkflow))
	require.NotNil(t, out.Meta.Workflow.NodeResult.Result)
	assert.Nil(t, out.Meta.Workflow.NodeResult.Result.Raw)
	assert.Equal(t, "node", out.Meta.Workflow.NodeResult.Result.Output)
	assert.Equal(t, "sess-1", out.Meta.Workflow.SessionID)
}

func TestSanitizeUnknownTypeKeepsOnlyDescription(t *testing.T) {
	out := Sanitize(sensitiveEntry(Type("future")))
	assert.Equal(t, Meta{Description: "desc"}, out.Meta)
}
