package config_test

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/leftmike/graphstore/config"
)

type testVars struct {
	cfg  *config.Config
	b    *bool
	i    *int
	s    *string
	d    *time.Duration
	only *string
}

func newConfig() testVars {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	tv := testVars{
		b:    fs.Bool("bool-var", false, "bool variable"),
		i:    fs.Int("int-var", 123, "int variable"),
		s:    fs.String("string-var", "default", "string variable"),
		d:    fs.Duration("duration-var", time.Second, "duration variable"),
		only: fs.String("flag-only", "", "flag only variable"),
	}
	tv.cfg = config.NewConfig(fs)
	for _, name := range []string{"bool-var", "int-var", "string-var", "duration-var"} {
		tv.cfg.Var(name)
	}
	tv.cfg.Var("flag-only").NoConfig()
	return tv
}

func load(t *testing.T, cfg *config.Config, s string) error {
	t.Helper()

	file := filepath.Join(t.TempDir(), "graphstore.hcl")
	err := ioutil.WriteFile(file, []byte(s), 0644)
	if err != nil {
		t.Fatal(err)
	}
	return cfg.Load(file)
}

func TestLoad(t *testing.T) {
	cases := []struct {
		cfg  string
		fail bool
		b    bool
		i    int
		s    string
		d    time.Duration
	}{
		{cfg: ``, i: 123, s: "default", d: time.Second},
		{cfg: `bool-var`, fail: true},
		{cfg: `bool-var =`, fail: true},
		{cfg: `bool-var=`, fail: true},
		{cfg: "int-var = 5\nbool-var = // comment\n", fail: true},
		{cfg: `unknown = 123`, fail: true},
		{cfg: `flag-only = "abc"`, fail: true},
		{cfg: `int-var = [1, 2]`, fail: true},
		{cfg: `bool-var = {a = 10}`, fail: true},
		{cfg: `int-var = "abc"`, fail: true},
		{cfg: `bool-var = true`, b: true, i: 123, s: "default", d: time.Second},
		{cfg: `/* comment */ int-var = -5678 // comment`, i: -5678, s: "default",
			d: time.Second},
		{cfg: "string-var = \"a string\"\nduration-var = \"15m\"", i: 123, s: "a string",
			d: 15 * time.Minute},
	}

	for _, c := range cases {
		tv := newConfig()
		err := load(t, tv.cfg, c.cfg)
		if c.fail {
			if err == nil {
				t.Errorf("Load(%q) did not fail", c.cfg)
			}
			continue
		}
		if err != nil {
			t.Errorf("Load(%q) failed with %s", c.cfg, err)
		} else if *tv.b != c.b || *tv.i != c.i || *tv.s != c.s || *tv.d != c.d {
			t.Errorf("Load(%q) got %v %v %v %v want %v %v %v %v", c.cfg, *tv.b, *tv.i, *tv.s,
				*tv.d, c.b, c.i, c.s, c.d)
		}
	}
}

func TestFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	i := fs.Int("int-var", 123, "int variable")
	s := fs.String("string-var", "default", "string variable")
	b := fs.Bool("bool-var", false, "bool variable")
	cfg := config.NewConfig(fs)
	cfg.Var("int-var")
	cfg.Var("string-var")
	cfg.Var("bool-var")

	err := fs.Parse([]string{"--int-var", "456"})
	if err != nil {
		t.Fatal(err)
	}
	err = load(t, cfg, "int-var = 789\nstring-var = \"config\"")
	if err != nil {
		t.Fatal(err)
	}
	if *i != 456 || *s != "config" || *b {
		t.Errorf("Load() got %d %s %v want 456 config false", *i, *s, *b)
	}

	want := map[string]config.By{
		"bool-var":   config.ByDefault,
		"int-var":    config.ByFlag,
		"string-var": config.ByConfig,
	}
	vars := cfg.Vars()
	if len(vars) != len(want) {
		t.Errorf("Vars() got %d variables want %d", len(vars), len(want))
	}
	for _, v := range vars {
		if v.By() != want[v.Name()] {
			t.Errorf("%s.By() got %s want %s", v.Name(), v.By(), want[v.Name()])
		}
	}
}

func TestVarPanics(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("int-var", 123, "int variable")
	cfg := config.NewConfig(fs)
	cfg.Var("int-var")

	for _, name := range []string{"int-var", "missing"} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Var(%s) did not panic", name)
				}
			}()
			cfg.Var(name)
		}()
	}
}
