package middleware

import (
	"encoding/json"
	"fmt"

	"github.com/hpd-ai/agentruntime/internal/permission"
	"github.com/hpd-ai/agentruntime/internal/tool"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// PermissionMiddleware consults PermissionBroker in BeforeToolExecution
// for every tool call the model just requested. A denied call is
// recorded in TurnContext.Denied so AgentLoop short-circuits it without
// ever entering the ExecuteFunction chain; an approved call is left
// alone. The broker caches only allowAlways/denyAlways choices, so a
// call approved once is asked about again.
type PermissionMiddleware struct {
	Base

	Broker  *permission.Broker
	WorkDir string
}

// NewPermissionMiddleware constructs a PermissionMiddleware.
func NewPermissionMiddleware(broker *permission.Broker, workDir string) *PermissionMiddleware {
	return &PermissionMiddleware{Base: NewBase("permission"), Broker: broker, WorkDir: workDir}
}

func (m *PermissionMiddleware) BeforeToolExecution(tc *TurnContext) error {
	for _, call := range tc.PendingCalls {
		kind, static, pattern := m.classify(tc, call)
		if kind == "" {
			continue // tool requires no permission
		}

		req := permission.Request{
			Kind:     kind,
			Pattern:  pattern,
			BranchID: tc.Branch.ID,
			CallID:   call.CallID,
			Title:    call.Name,
			Metadata: map[string]any{"fingerprint": permission.Fingerprint(call.Arguments)},
		}

		if err := m.Broker.Ask(tc.Ctx, tc.Bus, req, static); err != nil {
			if tc.Denied == nil {
				tc.Denied = make(map[string]error)
			}
			tc.Denied[call.CallID] = err
		}
	}
	return nil
}

func (m *PermissionMiddleware) AfterMessageTurn(tc *TurnContext) error {
	m.Broker.AfterMessageTurn(tc.Branch)
	return nil
}

// classify maps a pending tool call to the Kind/static Action/pattern
// PermissionBroker needs, reading the agent's declared posture.
// Returns kind == "" for tools that never require permission.
func (m *PermissionMiddleware) classify(tc *TurnContext, call *types.FunctionCallContent) (permission.Kind, permission.Action, string) {
	switch call.Name {
	case "bash":
		var args struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(call.Arguments, &args)

		action := permission.ActionAsk
		if cmds, err := permission.ParseBashCommand(args.Command); err == nil && len(cmds) > 0 {
			action = tc.Agent.ResolveBashAction(cmds[0])
		}
		return permission.KindBash, action, args.Command

	case "write", "edit":
		var args struct {
			FilePath string `json:"filePath"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		return permission.KindEdit, tc.Agent.Edit, args.FilePath

	case "webfetch":
		var args struct {
			URL string `json:"url"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		return permission.KindWebFetch, tc.Agent.WebFetch, args.URL

	default:
		return "", "", ""
	}
}

// DeniedResult builds the tool.Result AgentLoop substitutes for a call
// PermissionMiddleware rejected, so the model still gets a tool-role
// response even though nothing ran.
func DeniedResult(call *types.FunctionCallContent, err error) *tool.Result {
	return &tool.Result{
		Title:  call.Name,
		Output: fmt.Sprintf("permission denied: %s", err.Error()),
		Error:  err,
	}
}
