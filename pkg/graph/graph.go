// Package graph holds the concept graph: permanent element nodes, concept
// nodes tagged with the stage that produced them, and weighted edges between
// the two.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/OFFIS-RIT/align/backend/pkg/common"
)

var (
	ErrDuplicateNode = errors.New("node already exists")
	ErrDanglingEdge  = errors.New("edge references unknown node")
)

// Graph is an in-memory node and edge store. Nodes and edges keep their
// insertion order. It is safe for concurrent use.
type Graph struct {
	mu        sync.RWMutex
	nodes     []common.GraphNode
	nodeIndex map[string]int
	edges     []common.GraphEdge
	// elementNodes maps dataset:elementID to the id of its element node.
	elementNodes map[string]string
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodeIndex:    make(map[string]int),
		elementNodes: make(map[string]string),
	}
}

func elementKey(d common.Dataset, id string) string {
	return string(d) + ":" + id
}

// AddNode inserts n. Node ids must be unique.
func (g *Graph) AddNode(n common.GraphNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNode(n)
}

func (g *Graph) addNode(n common.GraphNode) error {
	if _, ok := g.nodeIndex[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	g.nodeIndex[n.ID] = len(g.nodes)
	g.nodes = append(g.nodes, n)
	return nil
}

// AddEdge inserts e. Both endpoints must already exist.
func (g *Graph) AddEdge(e common.GraphEdge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addEdge(e)
}

func (g *Graph) addEdge(e common.GraphEdge) error {
	if _, ok := g.nodeIndex[e.SourceNodeID]; !ok {
		return fmt.Errorf("%w: source %s", ErrDanglingEdge, e.SourceNodeID)
	}
	if _, ok := g.nodeIndex[e.TargetNodeID]; !ok {
		return fmt.Errorf("%w: target %s", ErrDanglingEdge, e.TargetNodeID)
	}
	g.edges = append(g.edges, e)
	return nil
}

// RemoveNodes deletes every node matching pred together with every edge that
// touches one of them. Both happen under one lock, so no reader can observe
// an edge whose endpoint is gone. It returns the number of removed nodes and
// edges.
func (g *Graph) RemoveNodes(pred func(common.GraphNode) bool) (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := make(map[string]struct{})
	nodes := make([]common.GraphNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		if pred(n) {
			removed[n.ID] = struct{}{}
			continue
		}
		nodes = append(nodes, n)
	}
	if len(removed) == 0 {
		return 0, 0
	}

	edges := make([]common.GraphEdge, 0, len(g.edges))
	for _, e := range g.edges {
		_, src := removed[e.SourceNodeID]
		_, dst := removed[e.TargetNodeID]
		if src || dst {
			continue
		}
		edges = append(edges, e)
	}
	removedEdges := len(g.edges) - len(edges)

	g.nodes = nodes
	g.edges = edges
	g.nodeIndex = make(map[string]int, len(nodes))
	for i, n := range nodes {
		g.nodeIndex[n.ID] = i
	}
	for k, id := range g.elementNodes {
		if _, ok := removed[id]; ok {
			delete(g.elementNodes, k)
		}
	}
	return len(removed), removedEdges
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (common.GraphNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.nodeIndex[id]
	if !ok {
		return common.GraphNode{}, false
	}
	return g.nodes[idx], true
}

// ElementNodeID returns the node id of element id of dataset d.
func (g *Graph) ElementNodeID(d common.Dataset, id string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodeID, ok := g.elementNodes[elementKey(d, id)]
	return nodeID, ok
}

// Nodes returns a copy of all nodes.
func (g *Graph) Nodes() []common.GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]common.GraphNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns a copy of all edges.
func (g *Graph) Edges() []common.GraphEdge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]common.GraphEdge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Counts returns the number of nodes and edges.
func (g *Graph) Counts() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}

// ConceptNodes returns the concept nodes whose stage is one of stages. With
// no stages every concept node is returned.
func (g *Graph) ConceptNodes(stages ...common.NodeStage) []common.GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []common.GraphNode
	for _, n := range g.nodes {
		if n.NodeType != common.NodeTypeConcept {
			continue
		}
		if len(stages) == 0 {
			out = append(out, n)
			continue
		}
		for _, s := range stages {
			if n.Stage() == s {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

// Validate reports every edge whose endpoints are not both present.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var errs []error
	for _, e := range g.edges {
		_, src := g.nodeIndex[e.SourceNodeID]
		_, dst := g.nodeIndex[e.TargetNodeID]
		if !src || !dst {
			errs = append(errs, fmt.Errorf("%w: edge %s (%s -> %s)", ErrDanglingEdge, e.ID, e.SourceNodeID, e.TargetNodeID))
		}
	}
	return errors.Join(errs...)
}

// Reset removes every node and edge.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = nil
	g.edges = nil
	g.nodeIndex = make(map[string]int)
	g.elementNodes = make(map[string]string)
}
