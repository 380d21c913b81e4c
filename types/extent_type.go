// Copyright 2025 The tidestore Authors
// This file is part of the tidestore library.
//
// The tidestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The tidestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the tidestore library. If not, see <http://www.gnu.org/licenses/>.

package types

import "fmt"

// ExtentType tags the role of an extent and selects its parser. The set is
// closed; dispatch happens through per-type tables, never through open
// registration from other modules.
type ExtentType uint8

const (
	// ExtentTypeNone is an invalid extent type.
	ExtentTypeNone ExtentType = iota

	// ExtentTypeRoot is the root extent of the store.
	ExtentTypeRoot

	// ExtentTypeLBAInternal and ExtentTypeLBALeaf are logical-address tree
	// nodes.
	ExtentTypeLBAInternal
	ExtentTypeLBALeaf

	// ExtentTypeOMapInner and ExtentTypeOMapLeaf are object-map tree nodes.
	ExtentTypeOMapInner
	ExtentTypeOMapLeaf

	// ExtentTypeOnode is an object-node block.
	ExtentTypeOnode

	// ExtentTypeCollection is a collection map node.
	ExtentTypeCollection

	// ExtentTypeObjectData is object payload data.
	ExtentTypeObjectData

	// ExtentTypeBackrefInternal and ExtentTypeBackrefLeaf are back-reference
	// tree nodes.
	ExtentTypeBackrefInternal
	ExtentTypeBackrefLeaf

	// ExtentTypeAllocInfo is a payload-only delta carrying allocation
	// bookkeeping.
	ExtentTypeAllocInfo

	// ExtentTypeJournalTail is a payload-only delta carrying journal tail
	// sequences.
	ExtentTypeJournalTail

	// ExtentTypeRetiredPlaceholder records that a physical address is known
	// to hold no live extent. Placeholders carry no buffer.
	ExtentTypeRetiredPlaceholder

	// ExtentTypeTestBlock and ExtentTypeTestBlockPhysical exist for tests.
	ExtentTypeTestBlock
	ExtentTypeTestBlockPhysical

	extentTypeMax
)

func (t ExtentType) String() string {
	switch t {
	case ExtentTypeNone:
		return "NONE"
	case ExtentTypeRoot:
		return "ROOT"
	case ExtentTypeLBAInternal:
		return "LBA_INTERNAL"
	case ExtentTypeLBALeaf:
		return "LBA_LEAF"
	case ExtentTypeOMapInner:
		return "OMAP_INNER"
	case ExtentTypeOMapLeaf:
		return "OMAP_LEAF"
	case ExtentTypeOnode:
		return "ONODE"
	case ExtentTypeCollection:
		return "COLLECTION"
	case ExtentTypeObjectData:
		return "OBJECT_DATA"
	case ExtentTypeBackrefInternal:
		return "BACKREF_INTERNAL"
	case ExtentTypeBackrefLeaf:
		return "BACKREF_LEAF"
	case ExtentTypeAllocInfo:
		return "ALLOC_INFO"
	case ExtentTypeJournalTail:
		return "JOURNAL_TAIL"
	case ExtentTypeRetiredPlaceholder:
		return "RETIRED_PLACEHOLDER"
	case ExtentTypeTestBlock:
		return "TEST_BLOCK"
	case ExtentTypeTestBlockPhysical:
		return "TEST_BLOCK_PHYSICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t names a concrete extent type.
func (t ExtentType) Valid() bool {
	return t > ExtentTypeNone && t < extentTypeMax
}

// IsRoot reports whether t is the root type.
func (t ExtentType) IsRoot() bool { return t == ExtentTypeRoot }

// IsLogical reports whether extents of this type carry a logical address.
func (t ExtentType) IsLogical() bool {
	switch t {
	case ExtentTypeOnode, ExtentTypeObjectData, ExtentTypeCollection,
		ExtentTypeOMapInner, ExtentTypeOMapLeaf, ExtentTypeTestBlock:
		return true
	default:
		return false
	}
}

// IsLBANode reports whether t is a logical-address tree node.
func (t ExtentType) IsLBANode() bool {
	return t == ExtentTypeLBAInternal || t == ExtentTypeLBALeaf
}

// IsBackrefNode reports whether t is a back-reference tree node.
func (t ExtentType) IsBackrefNode() bool {
	return t == ExtentTypeBackrefInternal || t == ExtentTypeBackrefLeaf
}

// IsBackrefMapped reports whether extents of this type are tracked by the
// back-reference index. Back-reference nodes track themselves, and the root
// and placeholders are never mapped.
func (t ExtentType) IsBackrefMapped() bool {
	switch t {
	case ExtentTypeRoot, ExtentTypeBackrefInternal, ExtentTypeBackrefLeaf,
		ExtentTypeRetiredPlaceholder, ExtentTypeAllocInfo, ExtentTypeJournalTail,
		ExtentTypeNone:
		return false
	default:
		return true
	}
}

// IsRetiredPlaceholder reports whether t is the retired placeholder type.
func (t ExtentType) IsRetiredPlaceholder() bool {
	return t == ExtentTypeRetiredPlaceholder
}

// IsInPlaceRewritable reports whether a cleaner may rewrite extents of this
// type at their current random-block address without a logical change.
func (t ExtentType) IsInPlaceRewritable() bool {
	switch t {
	case ExtentTypeObjectData, ExtentTypeTestBlock:
		return true
	default:
		return false
	}
}

// IsData reports whether the type carries object payload rather than
// metadata.
func (t ExtentType) IsData() bool {
	return t == ExtentTypeObjectData || t == ExtentTypeTestBlock
}
