package testutil_test

import (
	"testing"

	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/testutil"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		ret  bool
	}{
		{1, 2, false},
		{"abc", "abc", true},
		{[]string{"abc", "def"}, []string{"abc", "def"}, true},
		{[]int64{1, 2}, []int64{1, 2, 3}, false},
		{record.Point{CRS: 7203, X: 1, Y: 2}, record.Point{CRS: 7203, X: 1, Y: 2}, true},
		{record.Point{CRS: 7203, X: 1, Y: 2}, record.Point{CRS: 4326, X: 1, Y: 2}, false},
		{
			&kernel.Node{ID: 1, Labels: []string{"Person"},
				Properties: map[string]record.Value{"name": "alice"}},
			&kernel.Node{ID: 1, Labels: []string{"Person"},
				Properties: map[string]record.Value{"name": "alice"}},
			true,
		},
		{
			&kernel.Node{ID: 1, Properties: map[string]record.Value{"age": int64(42)}},
			&kernel.Node{ID: 1, Properties: map[string]record.Value{"age": 42.0}},
			false,
		},
		{map[string]record.Value{}, map[string]record.Value{}, true},
	}

	for _, c := range cases {
		if testutil.DeepEqual(c.a, c.b) != c.ret {
			t.Errorf("DeepEqual(%v, %v) got %v want %v", c.a, c.b, !c.ret, c.ret)
		}
	}

	for _, c := range cases {
		var s string
		testutil.DeepEqual(c.a, c.b, &s)
		if c.ret {
			if s != "" {
				t.Errorf("DeepEqual(%v, %v, &s) succeeded; got %q for s; want \"\"", c.a, c.b, s)
			}
		} else {
			if s == "" {
				t.Errorf("DeepEqual(%v, %v, &s) failed; got \"\" for s", c.a, c.b)
			}
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DeepEqual(123, 123, &s1, &s2) did not panic")
		}
	}()
	var s1, s2 string
	testutil.DeepEqual(123, 123, &s1, &s2)
}
