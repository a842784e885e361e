package testutil

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
)

// GraphTx is the part of a transaction which RandomGraph mutates.
type GraphTx interface {
	CreateNode(labels ...string) (int64, error)
	DeleteNode(id int64) error
	AddLabel(id int64, label string) error
	RemoveLabel(id int64, label string) error
	SetNodeProperty(id int64, key string, v interface{}) error
	RemoveNodeProperty(id int64, key string) error
	CreateRelationship(typ string, start, end int64) (int64, error)
	DeleteRelationship(id int64) error
	SetRelationshipProperty(id int64, key string, v interface{}) error
}

var (
	graphLabels   = []string{"Person", "Place", "Thing", "Event", "Account"}
	graphKeys     = []string{"name", "age", "score", "tags", "note", "active"}
	graphRelTypes = []string{"KNOWS", "LIVES_IN", "OWNS", "ATTENDED"}
)

type graphRel struct {
	start, end int64
}

// RandomGraph makes random mutations to a graph and keeps track of the nodes and
// relationships which should exist after each mutation is committed.
type RandomGraph struct {
	rnd   *rand.Rand
	nodes map[int64]map[string]bool
	rels  map[int64]graphRel
}

func NewRandomGraph(seed int64) *RandomGraph {
	return &RandomGraph{
		rnd:   rand.New(rand.NewSource(seed)),
		nodes: map[int64]map[string]bool{},
		rels:  map[int64]graphRel{},
	}
}

func sortedInt64s(m map[int64]bool) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Nodes returns the ids of the nodes which should exist, in order.
func (rg *RandomGraph) Nodes() []int64 {
	m := map[int64]bool{}
	for id := range rg.nodes {
		m[id] = true
	}
	return sortedInt64s(m)
}

// Relationships returns the ids of the relationships which should exist, in order.
func (rg *RandomGraph) Relationships() []int64 {
	m := map[int64]bool{}
	for id := range rg.rels {
		m[id] = true
	}
	return sortedInt64s(m)
}

func (rg *RandomGraph) pickNode() (int64, bool) {
	ids := rg.Nodes()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[rg.rnd.Intn(len(ids))], true
}

func (rg *RandomGraph) pickRelationship() (int64, bool) {
	ids := rg.Relationships()
	if len(ids) == 0 {
		return 0, false
	}
	return ids[rg.rnd.Intn(len(ids))], true
}

func (rg *RandomGraph) value() interface{} {
	switch rg.rnd.Intn(6) {
	case 0:
		return rg.rnd.Int63n(1000)
	case 1:
		return fmt.Sprintf("value-%d", rg.rnd.Intn(100))
	case 2:
		// Long enough to need a dynamic string chain.
		return strings.Repeat(fmt.Sprintf("%d-", rg.rnd.Intn(10)), 40+rg.rnd.Intn(60))
	case 3:
		return rg.rnd.Intn(2) == 0
	case 4:
		return rg.rnd.Float64()
	default:
		a := make([]int64, 1+rg.rnd.Intn(8))
		for i := range a {
			a[i] = rg.rnd.Int63()
		}
		return a
	}
}

func (rg *RandomGraph) hasRelationships(id int64) bool {
	for _, rel := range rg.rels {
		if rel.start == id || rel.end == id {
			return true
		}
	}
	return false
}

// Mutate makes one random mutation using tx.
func (rg *RandomGraph) Mutate(tx GraphTx) error {
	n := rg.rnd.Intn(10)
	if len(rg.nodes) < 2 {
		n = 0
	}

	switch n {
	case 0, 1:
		var labels []string
		for _, l := range graphLabels {
			if rg.rnd.Intn(3) == 0 {
				labels = append(labels, l)
			}
		}
		id, err := tx.CreateNode(labels...)
		if err != nil {
			return err
		}
		rg.nodes[id] = map[string]bool{}
		for _, l := range labels {
			rg.nodes[id][l] = true
		}
		return tx.SetNodeProperty(id, "name", fmt.Sprintf("node-%d", id))
	case 2:
		id, _ := rg.pickNode()
		if rg.hasRelationships(id) {
			return rg.Mutate(tx)
		}
		delete(rg.nodes, id)
		return tx.DeleteNode(id)
	case 3:
		id, _ := rg.pickNode()
		l := graphLabels[rg.rnd.Intn(len(graphLabels))]
		if rg.nodes[id][l] {
			delete(rg.nodes[id], l)
			return tx.RemoveLabel(id, l)
		}
		rg.nodes[id][l] = true
		return tx.AddLabel(id, l)
	case 4, 5:
		id, _ := rg.pickNode()
		return tx.SetNodeProperty(id, graphKeys[rg.rnd.Intn(len(graphKeys))], rg.value())
	case 6:
		id, _ := rg.pickNode()
		return tx.RemoveNodeProperty(id, graphKeys[1+rg.rnd.Intn(len(graphKeys)-1)])
	case 7, 8:
		start, _ := rg.pickNode()
		end, _ := rg.pickNode()
		id, err := tx.CreateRelationship(graphRelTypes[rg.rnd.Intn(len(graphRelTypes))],
			start, end)
		if err != nil {
			return err
		}
		rg.rels[id] = graphRel{start: start, end: end}
		if rg.rnd.Intn(2) == 0 {
			return tx.SetRelationshipProperty(id, "since", rg.rnd.Int63n(2020))
		}
		return nil
	default:
		id, ok := rg.pickRelationship()
		if !ok {
			return rg.Mutate(tx)
		}
		delete(rg.rels, id)
		return tx.DeleteRelationship(id)
	}
}
