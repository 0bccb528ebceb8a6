package output

import (
	"strconv"

	"github.com/brktrace/brktrace/internal/frame"
)

// FlameNode is one node of the flame-graph tree flame.json emits: a
// call-stack prefix shared by some number of events, with Value the
// proportional share of Total its subtree accounts for.
type FlameNode struct {
	Name     string       `json:"name"`
	ID       int          `json:"id"`
	Value    float64      `json:"value"`
	Children []*FlameNode `json:"children"`
}

type flameBuilder struct {
	node     *FlameNode
	count    int
	children map[string]*flameBuilder
}

// BuildFlameGraph aggregates every event's call-stack path into a tree
// rooted at the outermost frame, each node's Value a share of total
// proportional to how many events passed through it relative to its
// siblings.
func BuildFlameGraph(paths []frame.Path, frames *frame.Table, total float64) *FlameNode {
	nextID := 1
	root := &flameBuilder{node: &FlameNode{Name: "root", ID: 0}, children: map[string]*flameBuilder{}}

	for _, path := range paths {
		if len(path) == 0 {
			continue
		}
		names := make([]string, len(path))
		for i, id := range path {
			if f, ok := frames.Lookup(id); ok {
				names[i] = frameName(f)
			} else {
				names[i] = "<unknown_frame_" + strconv.Itoa(int(id)) + ">"
			}
		}

		cur := root
		cur.count++
		// path is innermost-first; the flame graph roots at the outermost
		// frame, so walk it back to front.
		for i := len(names) - 1; i >= 0; i-- {
			name := names[i]
			child, ok := cur.children[name]
			if !ok {
				child = &flameBuilder{node: &FlameNode{Name: name, ID: nextID}, children: map[string]*flameBuilder{}}
				nextID++
				cur.node.Children = append(cur.node.Children, child.node)
				cur.children[name] = child
			}
			cur = child
			cur.count++
		}
	}

	assignValues(root, total)
	return root.node
}

func assignValues(n *flameBuilder, value float64) {
	n.node.Value = value
	totalChildren := 0
	for _, c := range n.children {
		totalChildren += c.count
	}
	for _, childNode := range n.node.Children {
		c := n.children[childNode.Name]
		if totalChildren > 0 {
			assignValues(c, round2(value*float64(c.count)/float64(totalChildren)))
		} else {
			assignValues(c, 0)
		}
	}
}

func round2(f float64) float64 {
	const scale = 100.0
	if f >= 0 {
		return float64(int64(f*scale+0.5)) / scale
	}
	return float64(int64(f*scale-0.5)) / scale
}
