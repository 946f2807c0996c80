package permission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hpd-ai/agentruntime/internal/eventbus"
	"github.com/hpd-ai/agentruntime/pkg/types"
)

// decisionKey identifies one cached allow/deny decision: a tool name
// plus a fingerprint of the call's arguments, scoped to one branch.
type decisionKey struct {
	branchID string
	toolName string
	fp       string
}

// Broker is PermissionBroker: it authorizes tool calls against an
// agent's static AgentPermissions, a per-branch cache of prior
// decisions, and, failing both, a round trip through the run's
// EventBus to whoever is driving the session.
type Broker struct {
	mu       sync.Mutex
	cache    map[decisionKey]Choice
	doomLoop *DoomLoopDetector

	// persistent collects allowAlways/denyAlways decisions made during
	// the current message turn, keyed the same way branch.PermissionDecisions
	// is, so AfterMessageTurn can flush them in one step.
	persistent map[string]map[string]string // branchID -> key -> choice
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{
		cache:      make(map[decisionKey]Choice),
		doomLoop:   NewDoomLoopDetector(),
		persistent: make(map[string]map[string]string),
	}
}

// LoadDecisions seeds the cache with decisions persisted on a branch
// from a previous run, so a resumed run doesn't re-ask for choices
// already made "always".
func (b *Broker) LoadDecisions(branchID string, decisions map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, choice := range decisions {
		toolName, fp := splitDecisionKey(key)
		b.cache[decisionKey{branchID: branchID, toolName: toolName, fp: fp}] = Choice(choice)
	}
}

// Fingerprint computes the argument fingerprint used to key cached
// decisions: a sha256 hash of the arguments' canonical JSON encoding.
func Fingerprint(args any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func decisionKeyString(toolName, fp string) string {
	return toolName + ":" + fp
}

func splitDecisionKey(key string) (toolName, fp string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// Ask authorizes a tool call. static is the agent's configured action
// for the call; req.Metadata["fingerprint"] identifies the specific
// call for caching. If static already settles the question (allow/deny)
// that decision is used directly and never cached as a user choice. If
// static says ask and no cached choice covers this call, Ask emits a
// PermissionRequest on bus and blocks on the matching
// PermissionResponse, caching the outcome per its Choice.
//
// Returns nil on authorization, or a *RejectedError on denial.
func (b *Broker) Ask(ctx context.Context, bus *eventbus.Bus, req Request, static Action) error {
	if static == ActionAllow {
		return nil
	}
	if static == ActionDeny {
		return &RejectedError{BranchID: req.BranchID, Kind: req.Kind, CallID: req.CallID, Message: fmt.Sprintf("%s denied by configuration", req.Kind)}
	}

	fp := ""
	if req.Metadata != nil {
		if v, ok := req.Metadata["fingerprint"].(string); ok {
			fp = v
		}
	}
	toolName := req.Title
	key := decisionKey{branchID: req.BranchID, toolName: toolName, fp: fp}

	b.mu.Lock()
	if choice, ok := b.cache[key]; ok {
		b.mu.Unlock()
		return b.applyChoice(req, choice)
	}
	b.mu.Unlock()

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	bus.Emit(types.NewEvent(types.EventPermissionRequest, nil, &types.PermissionRequestData{
		PermissionID: req.ID,
		ToolName:     toolName,
		Pattern:      patternList(req.Pattern),
		Title:        req.Title,
		Metadata:     req.Metadata,
	}))

	raw, err := bus.Await(ctx, req.ID)
	if err != nil {
		return &RejectedError{BranchID: req.BranchID, Kind: req.Kind, CallID: req.CallID, Message: "permission request interrupted: " + err.Error()}
	}

	resp, ok := raw.(*types.PermissionResponseData)
	if !ok {
		return &RejectedError{BranchID: req.BranchID, Kind: req.Kind, CallID: req.CallID, Message: "permission response malformed"}
	}
	choice := Choice(resp.Choice)

	if choice == ChoiceAllowAlways || choice == ChoiceDenyAlways {
		b.mu.Lock()
		b.cache[key] = choice
		if b.persistent[req.BranchID] == nil {
			b.persistent[req.BranchID] = make(map[string]string)
		}
		b.persistent[req.BranchID][decisionKeyString(toolName, fp)] = string(choice)
		b.mu.Unlock()
	}

	return b.applyChoice(req, choice)
}

func (b *Broker) applyChoice(req Request, choice Choice) error {
	switch choice {
	case ChoiceAsk, ChoiceAllowAlways:
		return nil
	case ChoiceDeny, ChoiceDenyAlways:
		return &RejectedError{BranchID: req.BranchID, Kind: req.Kind, CallID: req.CallID, Message: fmt.Sprintf("%s denied", req.Kind)}
	default:
		return &RejectedError{BranchID: req.BranchID, Kind: req.Kind, CallID: req.CallID, Message: fmt.Sprintf("unrecognized permission choice %q", choice)}
	}
}

func patternList(p string) []string {
	if p == "" {
		return nil
	}
	return []string{p}
}

// AfterMessageTurn flushes any allowAlways/denyAlways decisions made
// during the turn into branch.PermissionDecisions, and clears the
// turn-scoped accumulator. Call once per completed message turn.
func (b *Broker) AfterMessageTurn(branch *types.Branch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending, ok := b.persistent[branch.ID]
	if !ok || len(pending) == 0 {
		return
	}
	if branch.PermissionDecisions == nil {
		branch.PermissionDecisions = make(map[string]string)
	}
	for key, choice := range pending {
		branch.PermissionDecisions[key] = choice
	}
	delete(b.persistent, branch.ID)
}

// CheckDoomLoop reports whether the last DoomLoopThreshold calls on
// branchID are identical repeats of this tool/input pair.
func (b *Broker) CheckDoomLoop(branchID, toolName string, input any) bool {
	return b.doomLoop.Check(branchID, toolName, input)
}

// ClearBranch drops all cached decisions and doom-loop history for a
// branch, used when a branch is deleted or its permission state reset.
func (b *Broker) ClearBranch(branchID string) {
	b.mu.Lock()
	for key := range b.cache {
		if key.branchID == branchID {
			delete(b.cache, key)
		}
	}
	delete(b.persistent, branchID)
	b.mu.Unlock()
	b.doomLoop.Clear(branchID)
}
