// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import "github.com/pkg/errors"

// headroom bounds how much the image may grow beyond its original size.
const headroom = 4 * 1024 * 1024

// Buffer holds the file image as a growable byte region. Newly appended
// bytes are zeroed. Growth is capped at the original size plus headroom.
type Buffer struct {
	data []byte
	max  int
}

func NewBuffer(contents []byte) *Buffer {
	return &Buffer{
		data: contents,
		max:  len(contents) + headroom,
	}
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the live image. The slice is invalidated by Grow.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Grow extends the image with zero bytes to newSize. Shrinking is not
// supported; a newSize at or below the current length is a no-op.
func (b *Buffer) Grow(newSize int) error {
	if newSize > b.max {
		return errors.Wrapf(ErrFileTooLarge, "growing file to %d bytes (limit %d)", newSize, b.max)
	}
	if newSize <= len(b.data) {
		return nil
	}
	b.data = append(b.data, make([]byte, newSize-len(b.data))...)
	return nil
}
