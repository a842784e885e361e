package apply

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/graphstore/command"
	"github.com/leftmike/graphstore/index"
	"github.com/leftmike/graphstore/record"
	"github.com/leftmike/graphstore/store"
	"github.com/leftmike/graphstore/txseq"
)

type Mode int

const (
	// Online is the application of a transaction which has just been committed.
	Online Mode = iota
	// Recovery is the replay of a committed transaction from the log.
	Recovery
)

func (m Mode) String() string {
	switch m {
	case Online:
		return "online"
	case Recovery:
		return "recovery"
	}
	return fmt.Sprintf("mode %d", int(m))
}

// Applier writes committed batches to the stores and the indexes. Transactions are applied
// the same way online and during recovery, so that replaying a batch produces the same
// records and index entries that applying it online did.
type Applier struct {
	logger  log.FieldLogger
	stores  *store.Stores
	indexes *index.Provider
	seq     *txseq.Sequencer
}

// New returns an applier. The sequencer is used to decide when freed ids may be reused; it
// is only needed for online application.
func New(logger log.FieldLogger, stores *store.Stores, indexes *index.Provider,
	seq *txseq.Sequencer) *Applier {

	return &Applier{
		logger:  logger,
		stores:  stores,
		indexes: indexes,
		seq:     seq,
	}
}

// secondaryImage returns the image to write so that a secondary unit used by other, but not
// by rec, is cleared when rec is written.
func secondaryImage(rec, other record.Record) record.Record {
	base := rec.Header()
	ob := other.Header()
	if !ob.HasSecondaryUnit() || base.HasSecondaryUnit() || base.SecondaryUnitID != record.NoID {
		return rec
	}

	rec = rec.Clone()
	base = rec.Header()
	base.SecondaryUnitID = ob.SecondaryUnitID
	base.RequiresSecondaryUnit = false
	return rec
}

func (a *Applier) write(kind store.Kind, rec record.Record) error {
	err := a.stores.Store(kind).UpdateRecord(rec)
	if err != nil {
		return fmt.Errorf("apply: %s: %d: %w", kind, rec.Header().ID, err)
	}
	return nil
}

// Apply writes the after image of every command in order, and then applies the index
// updates of the batch.
func (a *Applier) Apply(b *command.Batch, mode Mode) error {
	for _, cmd := range b.Commands {
		err := a.write(cmd.Kind, secondaryImage(cmd.After, cmd.Before))
		if err != nil {
			return err
		}
	}

	if a.indexes != nil {
		err := a.indexes.Apply(b.IndexUpdates)
		if err != nil {
			return fmt.Errorf("apply: tx %d: indexes: %w", b.TxID, err)
		}
	}

	if mode == Online && a.seq != nil {
		a.free(b)
	}
	return nil
}

// free hands the ids no longer used after b back to the id generators once no active
// transaction could still read them.
func (a *Applier) free(b *command.Batch) {
	boundary := a.seq.Snapshot()
	touched := map[store.Kind]struct{}{}
	for _, cmd := range b.Commands {
		before := cmd.Before.Header()
		after := cmd.After.Header()
		ids := a.stores.Store(cmd.Kind).IDs()

		if before.InUse && !after.InUse {
			ids.FreeAfter(before.ID, boundary)
			touched[cmd.Kind] = struct{}{}
		}
		if before.InUse && before.HasSecondaryUnit() &&
			(!after.InUse || !after.HasSecondaryUnit() ||
				after.SecondaryUnitID != before.SecondaryUnitID) {

			ids.FreeAfter(before.SecondaryUnitID, boundary)
			touched[cmd.Kind] = struct{}{}
		}
	}

	for k := range touched {
		n := a.stores.Store(k).IDs().Release(a.seq.Eligible)
		if n > 0 {
			a.logger.WithFields(log.Fields{
				"store": k,
				"ids":   n,
			}).Debug("apply: released ids")
		}
	}
}

// Release hands back every buffered id which has become eligible for reuse.
func (a *Applier) Release() int {
	if a.seq == nil {
		return 0
	}
	n := 0
	for _, rs := range a.stores.All() {
		n += rs.IDs().Release(a.seq.Eligible)
	}
	return n
}

// ApplyReverse undoes b by writing the before image of every command in reverse order. The
// indexes are not changed: they are rebuilt by replaying the batch forward again.
func (a *Applier) ApplyReverse(b *command.Batch) error {
	for i := len(b.Commands) - 1; i >= 0; i -= 1 {
		cmd := b.Commands[i]
		err := a.write(cmd.Kind, secondaryImage(cmd.Before, cmd.After))
		if err != nil {
			return err
		}
	}
	return nil
}
