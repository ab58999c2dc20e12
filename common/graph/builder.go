// Package graph turns a stored workflow definition into a validated
// execution plan: adjacency, topological order, levels, and parallel
// groups. Building is pure; it performs no I/O.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aetheriq/flowcore/common/models"
)

// Validation issue codes. Each malformed-graph class maps to one stable code.
const (
	IssueEmptyGraph      = "EMPTY_GRAPH"
	IssueInvalidNodeID   = "INVALID_NODE_ID"
	IssueDuplicateNode   = "DUPLICATE_NODE"
	IssueUnsupportedType = models.CodeUnsupportedNodeType
	IssueDanglingEdge    = "DANGLING_EDGE"
	IssueSelfLoop        = "SELF_LOOP"
	IssueMissingStart    = "MISSING_START"
	IssueMultipleStart   = "MULTIPLE_START"
	IssueMissingEnd      = "MISSING_END"
	IssueOrphanNode      = "ORPHAN_NODE"
	IssueCycle           = "GRAPH_CYCLE"
)

// Issue is a single validation finding
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	NodeID  string `json:"nodeId,omitempty"`
}

// PlanNode augments a workflow node with its place in the plan
type PlanNode struct {
	Node      *models.Node
	InDegree  int
	OutDegree int
	// Level is the longest path from START, in edges
	Level int
}

// ExecutionPlan is the validated, traversal-ready form of a workflow graph
type ExecutionPlan struct {
	Workflow *models.WorkflowGraph
	StartID  string
	EndIDs   []string
	Nodes    map[string]*PlanNode
	// Adjacency holds outgoing edges per node, ordered by target id
	Adjacency map[string][]models.Edge
	// Order is a topological order with lexicographic tie-breaking,
	// so replays of the same graph always schedule identically
	Order []string
	// Groups are the parallel groups: nodes sharing a level, by level
	Groups               [][]string
	TotalTasks           int
	ParallelizationLevel int
	// EstimatedDurationMs sums, across parallel groups, the largest
	// node timeout in the group. Estimation only.
	EstimatedDurationMs int64
	// TraversalCost sums edge weights. Estimation only.
	TraversalCost float64
}

// OutEdges returns the node's outgoing edges in deterministic order
func (p *ExecutionPlan) OutEdges(id string) []models.Edge {
	return p.Adjacency[id]
}

// NodeByID returns the plan node for id
func (p *ExecutionPlan) NodeByID(id string) (*models.Node, bool) {
	pn, ok := p.Nodes[id]
	if !ok {
		return nil, false
	}
	return pn.Node, true
}

// StartFrom resolves the traversal entry point: the requested start node
// when it exists in the plan, otherwise the graph's START node.
func (p *ExecutionPlan) StartFrom(startNodeID string) string {
	if startNodeID != "" {
		if _, ok := p.Nodes[startNodeID]; ok {
			return startNodeID
		}
	}
	return p.StartID
}

// Build validates the graph and produces its execution plan. Validation
// failures return a non-retryable error carrying every finding in
// details["issues"].
func Build(g *models.WorkflowGraph) (*ExecutionPlan, error) {
	if len(g.Nodes) == 0 {
		return nil, invalid([]Issue{{Code: IssueEmptyGraph, Message: "workflow has no nodes"}})
	}

	var issues []Issue
	nodes := make(map[string]*PlanNode, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			issues = append(issues, Issue{
				Code:    IssueInvalidNodeID,
				Message: fmt.Sprintf("node at index %d has an empty id", i),
			})
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			issues = append(issues, Issue{
				Code:    IssueDuplicateNode,
				NodeID:  n.ID,
				Message: fmt.Sprintf("node id %q appears more than once", n.ID),
			})
			continue
		}
		nodes[n.ID] = &PlanNode{Node: n}
		if !models.KnownNodeType(n.Type) {
			issues = append(issues, Issue{
				Code:    IssueUnsupportedType,
				NodeID:  n.ID,
				Message: fmt.Sprintf("node %q has unsupported type %q", n.ID, n.Type),
			})
		}
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var startID string
	var endIDs []string
	starts := 0
	for _, id := range ids {
		switch nodes[id].Node.Type {
		case models.NodeTypeStart:
			starts++
			if startID == "" {
				startID = id
			}
		case models.NodeTypeEnd:
			endIDs = append(endIDs, id)
		}
	}
	if starts == 0 {
		issues = append(issues, Issue{Code: IssueMissingStart, Message: "workflow has no START node"})
	} else if starts > 1 {
		issues = append(issues, Issue{Code: IssueMultipleStart, Message: fmt.Sprintf("workflow has %d START nodes", starts)})
	}
	if len(endIDs) == 0 {
		issues = append(issues, Issue{Code: IssueMissingEnd, Message: "workflow has no END node"})
	}

	adjacency := make(map[string][]models.Edge)
	var cost float64
	for _, e := range g.Edges {
		if _, ok := nodes[e.FromNodeID]; !ok {
			issues = append(issues, Issue{
				Code:    IssueDanglingEdge,
				NodeID:  e.FromNodeID,
				Message: fmt.Sprintf("edge references unknown node %q", e.FromNodeID),
			})
			continue
		}
		if _, ok := nodes[e.ToNodeID]; !ok {
			issues = append(issues, Issue{
				Code:    IssueDanglingEdge,
				NodeID:  e.ToNodeID,
				Message: fmt.Sprintf("edge references unknown node %q", e.ToNodeID),
			})
			continue
		}
		if e.FromNodeID == e.ToNodeID {
			issues = append(issues, Issue{
				Code:    IssueSelfLoop,
				NodeID:  e.FromNodeID,
				Message: fmt.Sprintf("node %q has an edge to itself", e.FromNodeID),
			})
			continue
		}
		adjacency[e.FromNodeID] = append(adjacency[e.FromNodeID], e)
		nodes[e.FromNodeID].OutDegree++
		nodes[e.ToNodeID].InDegree++
		cost += e.ConditionOrDefault().Type.Weight()
	}
	for id := range adjacency {
		edges := adjacency[id]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].ToNodeID < edges[j].ToNodeID })
	}

	// Structural problems make the remaining checks produce noise, so
	// stop here when any were found.
	if len(issues) > 0 {
		return nil, invalid(issues)
	}

	for _, id := range ids {
		pn := nodes[id]
		if pn.Node.Type != models.NodeTypeStart && pn.InDegree == 0 {
			issues = append(issues, Issue{
				Code:    IssueOrphanNode,
				NodeID:  id,
				Message: fmt.Sprintf("node %q is unreachable: no incoming edges", id),
			})
		}
		if pn.Node.Type != models.NodeTypeEnd && pn.OutDegree == 0 {
			issues = append(issues, Issue{
				Code:    IssueOrphanNode,
				NodeID:  id,
				Message: fmt.Sprintf("node %q is a dead end: no outgoing edges", id),
			})
		}
	}
	if len(issues) > 0 {
		return nil, invalid(issues)
	}

	if path := findCycle(ids, adjacency); len(path) > 0 {
		return nil, invalid([]Issue{{
			Code:    IssueCycle,
			NodeID:  path[0],
			Message: fmt.Sprintf("workflow contains a cycle: %s", strings.Join(path, " -> ")),
		}})
	}

	order := topologicalOrder(ids, nodes, adjacency)

	// Longest path from START; processing in topological order makes a
	// single pass sufficient.
	for _, id := range order {
		base := nodes[id].Level
		for _, e := range adjacency[id] {
			if next := nodes[e.ToNodeID]; base+1 > next.Level {
				next.Level = base + 1
			}
		}
	}

	maxLevel := 0
	for _, pn := range nodes {
		if pn.Level > maxLevel {
			maxLevel = pn.Level
		}
	}
	groups := make([][]string, maxLevel+1)
	for _, id := range order {
		lvl := nodes[id].Level
		groups[lvl] = append(groups[lvl], id)
	}
	parallelization := 0
	var estimated int64
	for _, group := range groups {
		sort.Strings(group)
		if len(group) > parallelization {
			parallelization = len(group)
		}
		var groupMax int64
		for _, id := range group {
			if ms := nodes[id].Node.Timeout().Milliseconds(); ms > groupMax {
				groupMax = ms
			}
		}
		estimated += groupMax
	}

	return &ExecutionPlan{
		Workflow:             g,
		StartID:              startID,
		EndIDs:               endIDs,
		Nodes:                nodes,
		Adjacency:            adjacency,
		Order:                order,
		Groups:               groups,
		TotalTasks:           len(nodes),
		ParallelizationLevel: parallelization,
		EstimatedDurationMs:  estimated,
		TraversalCost:        cost,
	}, nil
}

// findCycle runs a DFS with an explicit recursion stack and returns the
// first cycle found as a node path, closed on the repeated node.
func findCycle(ids []string, adjacency map[string][]models.Edge) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, e := range adjacency[id] {
			next := e.ToNodeID
			switch color[next] {
			case gray:
				for i, s := range stack {
					if s == next {
						cycle = append(append([]string{}, stack[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// topologicalOrder is Kahn's algorithm with lexicographic tie-breaking.
// Assumes the graph is already known to be acyclic.
func topologicalOrder(ids []string, nodes map[string]*PlanNode, adjacency map[string][]models.Edge) []string {
	indegree := make(map[string]int, len(ids))
	var ready []string
	for _, id := range ids {
		indegree[id] = nodes[id].InDegree
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, e := range adjacency[id] {
			indegree[e.ToNodeID]--
			if indegree[e.ToNodeID] == 0 {
				ready = append(ready, e.ToNodeID)
				sort.Strings(ready)
			}
		}
	}
	return order
}

func invalid(issues []Issue) error {
	code := models.CodeInvalidWorkflow
	for _, is := range issues {
		if is.Code == models.CodeUnsupportedNodeType {
			code = models.CodeUnsupportedNodeType
			break
		}
	}
	msg := issues[0].Message
	if len(issues) > 1 {
		msg = fmt.Sprintf("%s (and %d more issues)", msg, len(issues)-1)
	}
	return &models.WorkflowError{
		Code:      code,
		Message:   msg,
		Details:   map[string]any{"issues": issues},
		Retryable: false,
		Category:  models.CategoryValidation,
	}
}
