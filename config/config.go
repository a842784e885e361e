package config

import (
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/hashicorp/hcl"
	"github.com/hashicorp/hcl/hcl/scanner"
	"github.com/hashicorp/hcl/hcl/token"
	"github.com/spf13/pflag"
)

// By is where the value of a config variable came from.
type By int

const (
	ByDefault By = iota
	ByConfig
	ByFlag
)

func (by By) String() string {
	switch by {
	case ByDefault:
		return "default"
	case ByConfig:
		return "config"
	case ByFlag:
		return "flag"
	}
	return fmt.Sprintf("by(%d)", int(by))
}

// Var is a config variable backed by a flag.
type Var struct {
	flag     *pflag.Flag
	by       By
	noConfig bool
}

func (v *Var) Name() string {
	return v.flag.Name
}

func (v *Var) Value() string {
	return v.flag.Value.String()
}

func (v *Var) By() By {
	return v.by
}

func (v *Var) Usage() string {
	return v.flag.Usage
}

// NoConfig keeps the variable from being set in a config file.
func (v *Var) NoConfig() *Var {
	v.noConfig = true
	return v
}

// Config is a set of variables which can be set by flags or, if not set by a flag, by a
// config file.
type Config struct {
	flags *pflag.FlagSet
	vars  map[string]*Var
}

func NewConfig(fs *pflag.FlagSet) *Config {
	return &Config{
		flags: fs,
		vars:  map[string]*Var{},
	}
}

// Var makes the flag name, which must already be defined, a config variable.
func (c *Config) Var(name string) *Var {
	if _, ok := c.vars[name]; ok {
		panic(fmt.Sprintf("config: variable redefined: %s", name))
	}
	flg := c.flags.Lookup(name)
	if flg == nil {
		panic(fmt.Sprintf("config: no flag for variable: %s", name))
	}
	v := &Var{flag: flg}
	c.vars[name] = v
	return v
}

func (c *Config) Lookup(name string) (*Var, bool) {
	v, ok := c.vars[name]
	return v, ok
}

// Vars returns the variables sorted by name.
func (c *Config) Vars() []*Var {
	c.visitFlags()

	vars := make([]*Var, 0, len(c.vars))
	for _, v := range c.vars {
		vars = append(vars, v)
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name() < vars[j].Name() })
	return vars
}

// Load sets the variables, which were not set by flags, from the config file.
func (c *Config) Load(file string) error {
	b, err := ioutil.ReadFile(file)
	if err != nil {
		return err
	}
	return c.load(b)
}

func (c *Config) visitFlags() {
	c.flags.VisitAll(
		func(flg *pflag.Flag) {
			if v, ok := c.vars[flg.Name]; ok && flg.Changed {
				v.by = ByFlag
			}
		})
}

func (c *Config) load(b []byte) error {
	c.visitFlags()

	var cfg map[string]interface{}
	err := hcl.Decode(&cfg, string(b))
	if err != nil {
		return err
	}
	err = checkAssignments(b)
	if err != nil {
		return err
	}

	for name, val := range cfg {
		v, ok := c.vars[name]
		if !ok {
			return fmt.Errorf("%s is not a config variable", name)
		}
		if v.noConfig {
			return fmt.Errorf("%s can't be set in config file", name)
		}
		if v.by == ByFlag {
			continue
		}

		switch val.(type) {
		case []interface{}, []map[string]interface{}, map[string]interface{}:
			return fmt.Errorf("%s: expected a single value; got %v", name, val)
		}
		err = v.flag.Value.Set(fmt.Sprintf("%v", val))
		if err != nil {
			return fmt.Errorf("%s: %s", name, err)
		}
		v.by = ByConfig
	}
	return nil
}

// checkAssignments fails if the last assignment has no value; hcl.Decode drops it instead.
func checkAssignments(b []byte) error {
	var assign token.Pos
	s := scanner.New(b)
	for {
		tok := s.Scan()
		switch tok.Type {
		case token.EOF:
			if assign.IsValid() {
				return fmt.Errorf("line %d: expected a value after =", assign.Line)
			}
			return nil
		case token.COMMENT:
		case token.ASSIGN:
			assign = tok.Pos
		default:
			assign = token.Pos{}
		}
	}
}
