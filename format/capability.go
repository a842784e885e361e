package format

import (
	"fmt"
)

type CapabilityType int

const (
	StoreCapability CapabilityType = iota
	LogCapability
)

func (ct CapabilityType) String() string {
	switch ct {
	case StoreCapability:
		return "store"
	case LogCapability:
		return "log"
	}
	return fmt.Sprintf("capability type %d", int(ct))
}

// Capability is a named feature of a format. A change to how a capability is encoded must
// be made as a new capability with a different name.
type Capability struct {
	Name string
	Type CapabilityType
}

func (c Capability) String() string {
	return c.Name
}

var (
	DenseNodes           = Capability{"dense_nodes", StoreCapability}
	SchemaRecords        = Capability{"schema_records", StoreCapability}
	StandardRecordLayout = Capability{"standard_record_layout", StoreCapability}
	SecondaryRecordUnits = Capability{"secondary_record_units", StoreCapability}
	PointProperties      = Capability{"point_properties", StoreCapability}
	TemporalProperties   = Capability{"temporal_properties", StoreCapability}
	LogChecksums         = Capability{"log_checksums", LogCapability}
)

// Compatible reports whether data written with capabilities from can be used, without being
// rewritten, by a format with capabilities to: every capability of type ct in from must
// also be in to.
func Compatible(from, to []Capability, ct CapabilityType) bool {
	have := map[Capability]struct{}{}
	for _, c := range to {
		if c.Type == ct {
			have[c] = struct{}{}
		}
	}
	for _, c := range from {
		if c.Type != ct {
			continue
		}
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// CheckUpgrade returns an error matching ErrIncompatibleFormat unless a store written by
// from can be opened by to.
func CheckUpgrade(from, to *Format) error {
	for _, ct := range []CapabilityType{StoreCapability, LogCapability} {
		if !Compatible(from.Capabilities, to.Capabilities, ct) {
			return fmt.Errorf("%w: %s capabilities of %s are not a subset of %s",
				ErrIncompatibleFormat, ct, from.Name, to.Name)
		}
	}
	return nil
}
