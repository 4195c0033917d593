package baton

// InvocationState is the lifecycle state of one invocation as projected from
// the log.
type InvocationState string

const (
	// InvocationOpen has a start bracket and no end.
	InvocationOpen InvocationState = "open"
	// InvocationYielded is open and paused on an invocation_yield.
	InvocationYielded InvocationState = "yielded"
	// InvocationClosed has an end bracket; Reason says how it ended.
	InvocationClosed InvocationState = "closed"
)

// InvocationNode is one invocation in the projected tree.
type InvocationNode struct {
	InvocationID       string
	AgentName          string
	Kind               RunnableKind
	ParentInvocationID string
	State              InvocationState
	Reason             EndReason

	// Fingerprint and SessionVersion are set on root invocations only.
	Fingerprint    string
	SessionVersion string

	HandoffOrigin *Handoff
	HandoffTarget *HandoffTarget

	// PendingCallIDs are the unresolved call IDs recorded by the latest
	// invocation_yield, minus those since resolved by a tool_result.
	PendingCallIDs []string
	// YieldIndex counts yields on this invocation, starting at 1.
	YieldIndex int

	LoopIteration int
	LoopMax       int

	// Events are the non-bracket events logged under this invocation.
	Events []Event

	Children []*InvocationNode
}

// Yielded reports whether the node is paused awaiting input.
func (n *InvocationNode) Yielded() bool { return n.State == InvocationYielded }

// Tree is the invocation forest projected from a session log. Roots appear in
// log order; a transfer chain is a series of sibling roots.
type Tree struct {
	Roots []*InvocationNode
	byID  map[string]*InvocationNode
}

// BuildTree projects a log into its invocation tree. The projection is pure:
// the same events always produce the same tree, and any prefix of a log
// produces the tree as of that point.
func BuildTree(events []Event) *Tree {
	t := &Tree{byID: make(map[string]*InvocationNode)}
	resolved := make(map[string]bool)
	for i := range events {
		ev := &events[i]
		switch ev.Type {
		case EventInvocationStart:
			n := &InvocationNode{
				InvocationID: ev.InvocationID,
				State:        InvocationOpen,
			}
			if p := ev.Invocation; p != nil {
				n.AgentName = p.AgentName
				n.Kind = p.Kind
				n.ParentInvocationID = p.ParentInvocationID
				n.Fingerprint = p.Fingerprint
				n.SessionVersion = p.SessionVersion
				n.HandoffOrigin = p.HandoffOrigin
				n.LoopIteration = p.LoopIteration
				n.LoopMax = p.LoopMax
			}
			t.byID[n.InvocationID] = n
			if parent, ok := t.byID[n.ParentInvocationID]; ok && n.ParentInvocationID != "" {
				parent.Children = append(parent.Children, n)
			} else {
				t.Roots = append(t.Roots, n)
			}
		case EventInvocationEnd:
			if n, ok := t.byID[ev.InvocationID]; ok {
				n.State = InvocationClosed
				if p := ev.Invocation; p != nil {
					n.Reason = p.Reason
					n.HandoffTarget = p.HandoffTarget
				}
			}
		case EventInvocationYield:
			if n, ok := t.byID[ev.InvocationID]; ok {
				n.State = InvocationYielded
				if p := ev.Invocation; p != nil {
					n.PendingCallIDs = append([]string(nil), p.PendingCallIDs...)
					n.YieldIndex = p.YieldIndex
				}
			}
		case EventInvocationResume:
			if n, ok := t.byID[ev.InvocationID]; ok {
				n.State = InvocationOpen
			}
		case EventToolResult:
			resolved[ev.ToolResult.CallID] = true
			if n, ok := t.byID[ev.InvocationID]; ok {
				n.Events = append(n.Events, *ev)
			}
		default:
			if n, ok := t.byID[ev.InvocationID]; ok {
				n.Events = append(n.Events, *ev)
			}
		}
	}
	for _, n := range t.byID {
		if len(n.PendingCallIDs) == 0 {
			continue
		}
		kept := n.PendingCallIDs[:0]
		for _, id := range n.PendingCallIDs {
			if !resolved[id] {
				kept = append(kept, id)
			}
		}
		n.PendingCallIDs = kept
	}
	return t
}

// Node looks up an invocation by ID.
func (t *Tree) Node(id string) (*InvocationNode, bool) {
	n, ok := t.byID[id]
	return n, ok
}

// Lineage returns the IDs of the node and its ancestors, root first.
func (t *Tree) Lineage(id string) []string {
	var path []string
	for n, ok := t.byID[id]; ok; n, ok = t.byID[n.ParentInvocationID] {
		path = append([]string{n.InvocationID}, path...)
		if n.ParentInvocationID == "" {
			break
		}
	}
	return path
}

// YieldedLeaves returns the deepest yielded nodes in log order: yielded nodes
// with no yielded descendants. These are the frames resume re-enters.
func (t *Tree) YieldedLeaves() []*InvocationNode {
	var leaves []*InvocationNode
	var walk func(n *InvocationNode)
	walk = func(n *InvocationNode) {
		childYielded := false
		for _, c := range n.Children {
			walk(c)
			if hasYield(c) {
				childYielded = true
			}
		}
		if n.Yielded() && !childYielded {
			leaves = append(leaves, n)
		}
	}
	for _, r := range t.Roots {
		walk(r)
	}
	return leaves
}

func hasYield(n *InvocationNode) bool {
	if n.Yielded() {
		return true
	}
	for _, c := range n.Children {
		if hasYield(c) {
			return true
		}
	}
	return false
}

// LatestRoot returns the last root invocation, the live end of a transfer
// chain. Nil on an empty tree.
func (t *Tree) LatestRoot() *InvocationNode {
	if len(t.Roots) == 0 {
		return nil
	}
	return t.Roots[len(t.Roots)-1]
}

// HandoffSubtrees returns every invocation ID that lives inside a child
// invocation created by a handoff, transitively.
func (t *Tree) HandoffSubtrees() map[string]bool {
	out := make(map[string]bool)
	var mark func(n *InvocationNode)
	mark = func(n *InvocationNode) {
		out[n.InvocationID] = true
		for _, c := range n.Children {
			mark(c)
		}
	}
	var walk func(n *InvocationNode)
	walk = func(n *InvocationNode) {
		for _, c := range n.Children {
			if c.HandoffOrigin != nil {
				mark(c)
				continue
			}
			walk(c)
		}
	}
	for _, r := range t.Roots {
		walk(r)
	}
	return out
}
