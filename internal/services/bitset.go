package services

import (
	"fmt"
	"math/bits"

	"github.com/curaform/anamnese/internal/models"
)

// Multi-choice answers are stored as a single integer bitset: each
// option of a multi-choice question carries a distinct power-of-two
// value, and a selection is the OR of the chosen option values. This
// keeps the encrypted payload small and makes re-validation order
// independent.

// maxBitsetBit bounds option values so the bitset stays well inside
// the int53 range of JSON-roundtripped numbers.
const maxBitsetBit = 1 << 30

// EncodeBitset ORs the selected option values into one bitset. Every
// value must be a positive power of two.
func EncodeBitset(optionValues []int) (int, error) {
	bitset := 0
	for _, v := range optionValues {
		if v <= 0 || v > maxBitsetBit || bits.OnesCount(uint(v)) != 1 {
			return 0, fmt.Errorf("option value %d is not a power of two", v)
		}
		bitset |= v
	}
	return bitset, nil
}

// DecodeBitset returns the option values set in the bitset, ascending.
func DecodeBitset(bitset int) ([]int, error) {
	if bitset < 0 {
		return nil, fmt.Errorf("bitset %d is negative", bitset)
	}
	var out []int
	for bit := 1; bit <= bitset && bit <= maxBitsetBit; bit <<= 1 {
		if bitset&bit != 0 {
			out = append(out, bit)
		}
	}
	return out, nil
}

// DecodeBitsetLabels resolves the set bits of a multi-choice answer to
// the labels of the question's options. Bits with no matching option
// are skipped; a fully unmatched bitset yields an empty list.
func DecodeBitsetLabels(q models.Question, bitset int) []string {
	if bitset <= 0 {
		return nil
	}
	var labels []string
	for _, opt := range q.Options {
		v, ok := opt.IntValue()
		if !ok || v <= 0 {
			continue
		}
		if bitset&v != 0 {
			labels = append(labels, opt.LabelKey)
		}
	}
	return labels
}

// EncodeOptionValues folds a legacy array-form multi-choice answer into
// a bitset by resolving each element to an option and OR-ing the
// option's integer value. It reports false when any element does not
// resolve, in which case the caller keeps the array form.
func EncodeOptionValues(q models.Question, items []any) (int, bool) {
	bitset := 0
	for _, item := range items {
		opt, ok := q.FindOption(models.StringifyValue(item))
		if !ok {
			return 0, false
		}
		v, ok := opt.IntValue()
		if !ok || v <= 0 || bits.OnesCount(uint(v)) != 1 {
			return 0, false
		}
		bitset |= v
	}
	return bitset, true
}
