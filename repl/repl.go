package repl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/leftmike/graphstore/database"
	"github.com/leftmike/graphstore/kernel"
	"github.com/leftmike/graphstore/record"
)

// LineReader returns one line of input at a time; io.EOF ends the session.
type LineReader interface {
	ReadLine() (string, error)
}

var (
	errUsage = errors.New("usage")
	errQuit  = errors.New("quit")
)

type session struct {
	ctx context.Context
	db  *database.Database
	w   io.Writer
	tx  *kernel.Tx
}

type command struct {
	usage string
	help  string
	run   func(ses *session, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"begin": {"begin", "start an explicit transaction", (*session).begin},
		"commit": {"commit", "commit the explicit transaction",
			func(ses *session, args []string) error { return ses.finish(true) }},
		"rollback": {"rollback", "roll back the explicit transaction",
			func(ses *session, args []string) error { return ses.finish(false) }},
		"create": {"create [label ...] [key=value ...]", "create a node",
			(*session).createNode},
		"relate": {"relate start TYPE end [key=value ...]", "create a relationship",
			(*session).relate},
		"set": {"set node key=value ...", "set node properties", (*session).set},
		"unset": {"unset node key ...", "remove node properties", (*session).unset},
		"label": {"label node +label|-label ...", "add or remove labels", (*session).label},
		"delete": {"delete node|rel id", "delete a node or a relationship", (*session).delete},
		"node":   {"node id", "show a node", (*session).node},
		"rel":    {"rel id", "show a relationship", (*session).rel},
		"rels":   {"rels node", "show the relationships of a node", (*session).rels},
		"find": {"find label [key=value]", "find nodes with a label and property",
			(*session).find},
		"nodes": {"nodes", "list every node", (*session).nodes},
		"index": {"index label key", "create a property index", (*session).index},
		"drop":  {"drop label key", "drop a property index", (*session).drop},
		"indexes": {"indexes", "list the property indexes",
			(*session).indexes},
		"checkpoint": {"checkpoint", "force a checkpoint", (*session).checkpoint},
		"check":      {"check", "check the consistency of the stores", (*session).check},
		"health":     {"health", "show the health of the database", (*session).health},
		"heal":       {"heal", "heal a panicked database", (*session).heal},
		"help":       {"help", "list the commands", (*session).help},
		"quit": {"quit", "end the session",
			func(ses *session, args []string) error { return errQuit }},
	}
}

// Repl runs the commands read from lr against db, writing the results to w.
func Repl(ctx context.Context, db *database.Database, lr LineReader, w io.Writer) {
	ses := &session{
		ctx: ctx,
		db:  db,
		w:   w,
	}
	defer func() {
		if ses.tx != nil {
			ses.tx.Rollback()
		}
	}()

	for {
		line, err := lr.ReadLine()
		if err == io.EOF {
			return
		} else if err != nil {
			fmt.Fprintln(w, err)
			return
		}

		args, err := splitLine(line)
		if err != nil {
			fmt.Fprintln(w, err)
			continue
		} else if len(args) == 0 {
			continue
		}

		cmd, ok := commands[strings.ToLower(args[0])]
		if !ok {
			fmt.Fprintf(w, "unknown command: %s; try help\n", args[0])
			continue
		}
		err = cmd.run(ses, args[1:])
		if err == errQuit {
			return
		} else if err == errUsage {
			fmt.Fprintf(w, "usage: %s\n", cmd.usage)
		} else if err != nil {
			fmt.Fprintln(w, err)
		}
	}
}

// splitLine splits line into words; a word may be double quoted.
func splitLine(line string) ([]string, error) {
	var args []string
	for {
		line = strings.TrimLeft(line, " \t")
		if line == "" {
			return args, nil
		}

		n := strings.IndexAny(line, " \t")
		if n < 0 {
			n = len(line)
		}
		if q := strings.IndexByte(line[:n], '"'); q >= 0 {
			end := q + 1
			for end < len(line) && line[end] != '"' {
				if line[end] == '\\' {
					end += 1
				}
				end += 1
			}
			if end >= len(line) {
				return nil, fmt.Errorf("unterminated string: %s", line)
			}
			s, err := strconv.Unquote(line[q : end+1])
			if err != nil {
				return nil, err
			}
			args = append(args, line[:q]+s)
			line = line[end+1:]
			continue
		}
		args = append(args, line[:n])
		line = line[n:]
	}
}

// parseValue converts a word into a property value: an integer, a float, a boolean, or
// otherwise a string.
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseProperty(arg string) (string, interface{}, bool) {
	n := strings.IndexByte(arg, '=')
	if n <= 0 {
		return "", nil, false
	}
	return arg[:n], parseValue(arg[n+1:]), true
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("expected an id: %s", s)
	}
	return id, nil
}

func formatValue(v record.Value) string {
	switch v := v.(type) {
	case string:
		return strconv.Quote(v)
	case record.Point:
		return fmt.Sprintf("point(%d, %g, %g)", v.CRS, v.X, v.Y)
	}
	return fmt.Sprintf("%v", v)
}

// run calls fn in the explicit transaction, or in a transaction of its own which is committed
// if fn succeeds.
func (ses *session) run(fn func(tx *kernel.Tx) error) error {
	if ses.tx != nil {
		return fn(ses.tx)
	}

	tx, err := ses.db.Begin(ses.ctx)
	if err != nil {
		return err
	}
	err = fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (ses *session) begin(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if ses.tx != nil {
		return errors.New("already in a transaction")
	}
	tx, err := ses.db.Begin(ses.ctx)
	if err != nil {
		return err
	}
	ses.tx = tx
	return nil
}

func (ses *session) finish(commit bool) error {
	if ses.tx == nil {
		return errors.New("not in a transaction")
	}
	tx := ses.tx
	ses.tx = nil
	if commit {
		err := tx.Commit()
		if err != nil {
			return err
		}
		if id := tx.TxID(); id > 0 {
			fmt.Fprintf(ses.w, "committed tx %d\n", id)
		}
		return nil
	}
	return tx.Rollback()
}

func setProperties(tx *kernel.Tx, id int64, args []string,
	set func(id int64, key string, v interface{}) error) error {

	for _, arg := range args {
		key, val, ok := parseProperty(arg)
		if !ok {
			return errUsage
		}
		err := set(id, key, val)
		if err != nil {
			return err
		}
	}
	return nil
}

func (ses *session) createNode(args []string) error {
	var labels, props []string
	for _, arg := range args {
		if strings.IndexByte(arg, '=') >= 0 {
			props = append(props, arg)
		} else {
			labels = append(labels, arg)
		}
	}

	var id int64
	err := ses.run(
		func(tx *kernel.Tx) error {
			var err error
			id, err = tx.CreateNode(labels...)
			if err != nil {
				return err
			}
			return setProperties(tx, id, props, tx.SetNodeProperty)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "node %d\n", id)
	return nil
}

func (ses *session) relate(args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	start, err := parseID(args[0])
	if err != nil {
		return err
	}
	end, err := parseID(args[2])
	if err != nil {
		return err
	}

	var id int64
	err = ses.run(
		func(tx *kernel.Tx) error {
			var err error
			id, err = tx.CreateRelationship(args[1], start, end)
			if err != nil {
				return err
			}
			return setProperties(tx, id, args[3:], tx.SetRelationshipProperty)
		})
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "relationship %d\n", id)
	return nil
}

func (ses *session) set(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			return setProperties(tx, id, args[1:], tx.SetNodeProperty)
		})
}

func (ses *session) unset(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			for _, key := range args[1:] {
				err := tx.RemoveNodeProperty(id, key)
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (ses *session) label(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			for _, arg := range args[1:] {
				var err error
				if strings.HasPrefix(arg, "+") && len(arg) > 1 {
					err = tx.AddLabel(id, arg[1:])
				} else if strings.HasPrefix(arg, "-") && len(arg) > 1 {
					err = tx.RemoveLabel(id, arg[1:])
				} else {
					return errUsage
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
}

func (ses *session) delete(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	switch strings.ToLower(args[0]) {
	case "node":
		return ses.run(func(tx *kernel.Tx) error { return tx.DeleteNode(id) })
	case "rel", "relationship":
		return ses.run(func(tx *kernel.Tx) error { return tx.DeleteRelationship(id) })
	}
	return errUsage
}

func (ses *session) propertyTable(props map[string]record.Value) {
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"key", "value"})
	for _, key := range keys {
		tw.Append([]string{key, formatValue(props[key])})
	}
	tw.Render()
}

func (ses *session) node(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			n, err := tx.Node(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(ses.w, "node %d: %s\n", n.ID, strings.Join(n.Labels, ", "))
			ses.propertyTable(n.Properties)
			return nil
		})
}

func (ses *session) rel(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			rel, err := tx.Relationship(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(ses.w, "relationship %d: (%d)-[%s]->(%d)\n", rel.ID, rel.Start,
				rel.Type, rel.End)
			ses.propertyTable(rel.Properties)
			return nil
		})
}

func (ses *session) rels(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			ids, err := tx.NodeRelationships(id)
			if err != nil {
				return err
			}

			tw := tablewriter.NewWriter(ses.w)
			tw.SetAutoFormatHeaders(false)
			tw.SetHeader([]string{"id", "start", "type", "end"})
			for _, rid := range ids {
				rel, err := tx.Relationship(rid)
				if err != nil {
					return err
				}
				tw.Append([]string{strconv.FormatInt(rel.ID, 10),
					strconv.FormatInt(rel.Start, 10), rel.Type, strconv.FormatInt(rel.End, 10)})
			}
			tw.Render()
			fmt.Fprintf(ses.w, "(%d relationships)\n", len(ids))
			return nil
		})
}

func (ses *session) printIDs(ids []int64) {
	s := make([]string, 0, len(ids))
	for _, id := range ids {
		s = append(s, strconv.FormatInt(id, 10))
	}
	fmt.Fprintf(ses.w, "[%s] (%d nodes)\n", strings.Join(s, " "), len(ids))
}

func (ses *session) find(args []string) error {
	if len(args) != 1 && len(args) != 2 {
		return errUsage
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			var ids []int64
			var err error
			if len(args) == 1 {
				ids, err = tx.FindNodes(args[0])
			} else {
				key, val, ok := parseProperty(args[1])
				if !ok {
					return errUsage
				}
				ids, err = tx.FindNodesByProperty(args[0], key, val)
			}
			if err != nil {
				return err
			}
			ses.printIDs(ids)
			return nil
		})
}

func (ses *session) nodes(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	return ses.run(
		func(tx *kernel.Tx) error {
			ids, err := tx.AllNodes()
			if err != nil {
				return err
			}
			ses.printIDs(ids)
			return nil
		})
}

func (ses *session) index(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	return ses.run(func(tx *kernel.Tx) error { return tx.CreateIndex(args[0], args[1]) })
}

func (ses *session) drop(args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	return ses.run(func(tx *kernel.Tx) error { return tx.DropIndex(args[0], args[1]) })
}

func (ses *session) indexes(args []string) error {
	if len(args) != 0 {
		return errUsage
	}

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"id", "label", "key"})
	for _, rule := range ses.db.Kernel().Indexes() {
		tw.Append([]string{strconv.FormatInt(rule.ID, 10), rule.Label, rule.Key})
	}
	tw.Render()
	return nil
}

func (ses *session) checkpoint(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	cp, err := ses.db.Checkpoint(ses.ctx, "console")
	if err != nil {
		return err
	}
	fmt.Fprintf(ses.w, "checkpoint at %s\n", cp.Commit)
	return nil
}

func (ses *session) check(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	rpt, err := ses.db.Check()
	if err != nil {
		return err
	}
	for _, p := range rpt.Problems {
		fmt.Fprintln(ses.w, p)
	}
	fmt.Fprintf(ses.w, "(%d problems)\n", len(rpt.Problems))
	return nil
}

func (ses *session) health(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	st, cause := ses.db.Health().State()
	if cause != nil {
		fmt.Fprintf(ses.w, "%s: %s\n", st, cause)
	} else {
		fmt.Fprintln(ses.w, st)
	}
	return nil
}

func (ses *session) heal(args []string) error {
	if len(args) != 0 {
		return errUsage
	}
	if !ses.db.Health().Heal() {
		return errors.New("database has not panicked")
	}
	return nil
}

func (ses *session) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tablewriter.NewWriter(ses.w)
	tw.SetAutoFormatHeaders(false)
	tw.SetHeader([]string{"command", "description"})
	for _, name := range names {
		tw.Append([]string{commands[name].usage, commands[name].help})
	}
	tw.Render()
	return nil
}
