package check_test

import (
	"context"
	"testing"

	"github.com/leftmike/graphstore/check"
	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/format"
	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/vfs"
)

type graph struct {
	db       *database.Database
	a, b, c  int64
	ab, ac   int64
	bc, self int64
}

func makeGraph(t *testing.T) graph {
	t.Helper()

	db, err := database.Open("db", database.Options{FS: vfs.NewMemFS(), NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	g := graph{db: db}
	for _, id := range []*int64{&g.a, &g.b, &g.c} {
		*id, err = tx.CreateNode("Person")
		if err != nil {
			t.Fatal(err)
		}
		err = tx.SetNodeProperty(*id, "name", "somebody with a long enough name for a chain")
		if err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range []struct {
		id         *int64
		start, end int64
	}{
		{&g.ab, g.a, g.b},
		{&g.ac, g.a, g.c},
		{&g.bc, g.b, g.c},
		{&g.self, g.c, g.c},
	} {
		*r.id, err = tx.CreateRelationship("KNOWS", r.start, r.end)
		if err != nil {
			t.Fatal(err)
		}
	}
	err = tx.Commit()
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func (g graph) get(t *testing.T, kind store.Kind, id int64) record.Record {
	t.Helper()

	rec, err := g.db.Stores().Store(kind).GetRecord(id, format.Normal)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (g graph) put(t *testing.T, kind store.Kind, rec record.Record) {
	t.Helper()

	err := g.db.Stores().Store(kind).UpdateRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
}

func TestCheckClean(t *testing.T) {
	g := makeGraph(t)
	defer g.db.Close()

	rpt, err := g.db.Check()
	if err != nil {
		t.Fatal(err)
	}
	if !rpt.OK() {
		t.Errorf("Check() got problems %v", rpt.Problems)
	}
	for _, ss := range rpt.Stores {
		var want int64
		switch ss.Kind {
		case store.NodeStore:
			want = 3
		case store.RelationshipStore:
			want = 4
		default:
			continue
		}
		if ss.InUse != want {
			t.Errorf("Check() %s in use got %d want %d", ss.Kind, ss.InUse, want)
		}
	}
}

func TestCheckCorruption(t *testing.T) {
	cases := []struct {
		name    string
		corrupt func(t *testing.T, g graph) (store.Kind, int64)
	}{
		{
			name: "dangling property",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.a).(*record.Node)
				n.NextProp = 1000
				g.put(t, store.NodeStore, n)
				return store.NodeStore, g.a
			},
		},
		{
			name: "relationship to missing node",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				rel := g.get(t, store.RelationshipStore, g.bc).(*record.Relationship)
				rel.SecondNode = 999
				g.put(t, store.RelationshipStore, rel)
				return store.RelationshipStore, g.bc
			},
		},
		{
			name: "relationship chain cycle",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.a).(*record.Node)
				rel := g.get(t, store.RelationshipStore, n.NextRel).(*record.Relationship)
				rel.SetNext(g.a, rel.ID)
				g.put(t, store.RelationshipStore, rel)
				return store.NodeStore, g.a
			},
		},
		{
			name: "first not marked first",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.b).(*record.Node)
				rel := g.get(t, store.RelationshipStore, n.NextRel).(*record.Relationship)
				p, _ := rel.Prev(g.b)
				rel.SetPrev(g.b, p, false)
				g.put(t, store.RelationshipStore, rel)
				return store.RelationshipStore, rel.ID
			},
		},
		{
			name: "wrong degree",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.c).(*record.Node)
				rel := g.get(t, store.RelationshipStore, n.NextRel).(*record.Relationship)
				p, _ := rel.Prev(g.c)
				rel.SetPrev(g.c, p+5, true)
				g.put(t, store.RelationshipStore, rel)
				return store.NodeStore, g.c
			},
		},
		{
			name: "property owner",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.b).(*record.Node)
				p := g.get(t, store.PropertyStore, n.NextProp).(*record.Property)
				p.OwnerID = g.c
				g.put(t, store.PropertyStore, p)
				return store.PropertyStore, p.ID
			},
		},
		{
			name: "dynamic chain",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.c).(*record.Node)
				p := g.get(t, store.PropertyStore, n.NextProp).(*record.Property)
				pb := p.Blocks[0]
				d := g.get(t, store.StringStore, pb.DynamicID()).(*record.Dynamic)
				d.StartRecord = false
				g.put(t, store.StringStore, d)
				return store.PropertyStore, p.ID
			},
		},
		{
			name: "unreached relationship",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				rs := g.db.Stores().Store(store.RelationshipStore)
				id, err := rs.NextID()
				if err != nil {
					t.Fatal(err)
				}
				rel := g.get(t, store.RelationshipStore, g.ab).Clone().(*record.Relationship)
				rel.ID = id
				g.put(t, store.RelationshipStore, rel)
				return store.RelationshipStore, id
			},
		},
		{
			name: "unreached property",
			corrupt: func(t *testing.T, g graph) (store.Kind, int64) {
				n := g.get(t, store.NodeStore, g.b).(*record.Node)
				pid := n.NextProp
				n.NextProp = record.NoID
				g.put(t, store.NodeStore, n)
				return store.PropertyStore, pid
			},
		},
	}

	for _, c := range cases {
		g := makeGraph(t)
		kind, id := c.corrupt(t, g)

		rpt, err := g.db.Check()
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, p := range rpt.Problems {
			if p.Kind == kind && p.ID == id {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Check(%s) got %v want problem with %s %d", c.name, rpt.Problems, kind, id)
		}
		g.db.Close()
	}
}

func TestCheckUnreachedGroup(t *testing.T) {
	db, err := database.Open("db", database.Options{
		FS:          vfs.NewMemFS(),
		NoScheduler: true,
		Kernel:      kernel.Options{DenseNodeThreshold: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	tx, err := db.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	hub, err := tx.CreateNode("Person")
	if err != nil {
		t.Fatal(err)
	}
	var rel int64
	for i := 0; i < 3; i += 1 {
		n, err := tx.CreateNode("Person")
		if err != nil {
			t.Fatal(err)
		}
		rel, err = tx.CreateRelationship("KNOWS", hub, n)
		if err != nil {
			t.Fatal(err)
		}
	}
	err = tx.Commit()
	if err != nil {
		t.Fatal(err)
	}

	gs := db.Stores().Store(store.GroupStore)
	gid, err := gs.NextID()
	if err != nil {
		t.Fatal(err)
	}
	g := record.NewRelationshipGroup(gid)
	g.InUse = true
	g.Type = 7
	g.FirstOut = rel
	g.OwningNode = hub
	err = gs.UpdateRecord(g)
	if err != nil {
		t.Fatal(err)
	}

	rpt, err := db.Check()
	if err != nil {
		t.Fatal(err)
	}
	if len(rpt.Problems) != 1 || rpt.Problems[0].Kind != store.GroupStore ||
		rpt.Problems[0].ID != gid {

		t.Errorf("Check() got %v want problem with %s %d", rpt.Problems, store.GroupStore, gid)
	}
}

func TestCheckProblemString(t *testing.T) {
	p := check.Problem{Kind: store.NodeStore, ID: 7, Message: "property 9 is not in use"}
	if s, want := p.String(), store.NodeStore.String()+" 7: property 9 is not in use"; s != want {
		t.Errorf("String() got %q want %q", s, want)
	}
}
