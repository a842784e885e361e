package record

import (
	"sort"
)

// The label field of a node is 40 bits. If bit 39 is set, the low 36 bits are the id of the
// first dynamic record holding the labels. Otherwise bits 36-38 hold the number of labels
// and the low 36 bits hold the labels packed into 36 / count bits each.
const (
	LabelFieldBits    = 40
	labelDynamicBit   = uint64(1) << 39
	labelCountShift   = 36
	labelPayloadMask  = uint64(1)<<36 - 1
	maxInlineLabels   = 7
	labelPayloadWidth = 36
)

// InlineLabelField packs labels, which must be sorted, into a label field, if they fit.
func InlineLabelField(labels []int32) (uint64, bool) {
	if len(labels) == 0 {
		return 0, true
	}
	if len(labels) > maxInlineLabels {
		return 0, false
	}

	bits := uint(labelPayloadWidth / len(labels))
	var payload uint64
	for i, l := range labels {
		if l < 0 || uint64(l) >= uint64(1)<<bits {
			return 0, false
		}
		payload |= uint64(l) << (uint(i) * bits)
	}
	return uint64(len(labels))<<labelCountShift | payload, true
}

func DynamicLabelField(id int64) uint64 {
	return labelDynamicBit | (uint64(id) & labelPayloadMask)
}

func IsDynamicLabelField(field uint64) bool {
	return field&labelDynamicBit != 0
}

func DynamicLabelFieldID(field uint64) int64 {
	return int64(field & labelPayloadMask)
}

// ParseInlineLabels unpacks an inline label field.
func ParseInlineLabels(field uint64) []int32 {
	cnt := int((field >> labelCountShift) & 0x7)
	if cnt == 0 {
		return nil
	}

	bits := uint(labelPayloadWidth / cnt)
	mask := uint64(1)<<bits - 1
	labels := make([]int32, cnt)
	for i := range labels {
		labels[i] = int32((field >> (uint(i) * bits)) & mask)
	}
	return labels
}

// SortLabels sorts labels and removes duplicates.
func SortLabels(labels []int32) []int32 {
	sorted := append([]int32(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var ret []int32
	for i, l := range sorted {
		if i == 0 || l != sorted[i-1] {
			ret = append(ret, l)
		}
	}
	return ret
}
