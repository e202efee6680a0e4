// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"encoding/binary"
)

// Canonical 32-bit structure sizes. The parser rejects files whose header
// claims a different program-header entry size.
const (
	ehdrSize     = 52
	phdrSize     = 32
	shdrSize     = 40
	dynEntrySize = 8
)

// byteOrder is fixed: only little-endian files are accepted, and fields are
// written back in the same encoding.
var byteOrder = binary.LittleEndian

func readStructAt(data []byte, offset uint32, v any) error {
	return binary.Read(bytes.NewReader(data[offset:]), byteOrder, v)
}

func writeStructAt(data []byte, offset uint32, v any) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, byteOrder, v); err != nil {
		panic(err)
	}
	copy(data[offset:], buf.Bytes())
}
