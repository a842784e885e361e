package repl_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/repl"
	"github.com/leftmike/graphstore/vfs"
)

type lines []string

func (l *lines) ReadLine() (string, error) {
	if len(*l) == 0 {
		return "", io.EOF
	}
	s := (*l)[0]
	*l = (*l)[1:]
	return s, nil
}

func run(t *testing.T, db *database.Database, input ...string) string {
	t.Helper()

	var b bytes.Buffer
	l := lines(input)
	repl.Repl(context.Background(), db, &l, &b)
	return b.String()
}

func TestRepl(t *testing.T) {
	db, err := database.Open("db", database.Options{FS: vfs.NewMemFS(), NoScheduler: true})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	cases := []struct {
		input []string
		want  []string
	}{
		{
			input: []string{`create Person name="Ada Lovelace" born=1815`},
			want:  []string{"node 0\n"},
		},
		{
			input: []string{"create Person name=Charles", "relate 0 KNOWS 1 since=1833"},
			want:  []string{"node 1\n", "relationship 0\n"},
		},
		{
			input: []string{"node 0"},
			want:  []string{"node 0: Person\n", `"Ada Lovelace"`, "1815"},
		},
		{
			input: []string{"rel 0"},
			want:  []string{"relationship 0: (0)-[KNOWS]->(1)\n", "since"},
		},
		{
			input: []string{"rels 1"},
			want:  []string{"(1 relationships)\n"},
		},
		{
			input: []string{"index Person name", "find Person name=Charles"},
			want:  []string{"[1] (1 nodes)\n"},
		},
		{
			input: []string{"indexes"},
			want:  []string{"Person", "name"},
		},
		{
			input: []string{"label 1 +Scientist -Person", "find Person"},
			want:  []string{"[0] (1 nodes)\n"},
		},
		{
			input: []string{"begin", "create Temp", "rollback", "nodes"},
			want:  []string{"node 2\n", "[0 1] (2 nodes)\n"},
		},
		{
			input: []string{"begin", "unset 0 born", "commit", "node 0"},
			want:  []string{"committed tx", `"Ada Lovelace"`},
		},
		{
			input: []string{"delete node 1"},
			want:  []string{"still has relationships"},
		},
		{
			input: []string{"relate 0"},
			want:  []string{"usage: relate start TYPE end"},
		},
		{
			input: []string{"frobnicate"},
			want:  []string{"unknown command: frobnicate"},
		},
		{
			input: []string{"commit"},
			want:  []string{"not in a transaction\n"},
		},
		{
			input: []string{"check"},
			want:  []string{"(0 problems)\n"},
		},
		{
			input: []string{"health"},
			want:  []string{"healthy\n"},
		},
		{
			input: []string{"checkpoint"},
			want:  []string{"checkpoint at "},
		},
		{
			input: []string{"quit", "create Never"},
			want:  []string{""},
		},
	}

	for _, c := range cases {
		out := run(t, db, c.input...)
		for _, w := range c.want {
			if !strings.Contains(out, w) {
				t.Errorf("Repl(%q) got %q want %q", c.input, out, w)
			}
		}
	}

	if out := run(t, db, "node 0"); strings.Contains(out, "1815") {
		t.Errorf("Repl(node 0) got %q after unset", out)
	}
	if out := run(t, db, "nodes"); !strings.Contains(out, "(2 nodes)") {
		t.Errorf("Repl(nodes) got %q want 2 nodes", out)
	}
}
