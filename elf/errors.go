// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import "github.com/pkg/errors"

// Error kinds. Operations wrap these with context via pkg/errors; callers
// classify with errors.Is.
var (
	// ErrMalformedInput covers structural defects in the input file: bad
	// magic or class, header tables out of bounds, missing sections that
	// every dynamically-linked binary must have, an unterminated dynamic
	// array or section-name string table.
	ErrMalformedInput = errors.New("malformed input")

	// ErrMissingSection is returned when a .dynamic entry names a section
	// that is not present in the file.
	ErrMissingSection = errors.New("missing required section")

	// ErrAddressUnderrun is returned when reserving space at the start of
	// the image would push the load base below zero.
	ErrAddressUnderrun = errors.New("virtual address space underrun")

	// ErrFileTooLarge is returned when growth would exceed the headroom
	// reserved over the original file size.
	ErrFileTooLarge = errors.New("maximum file size exceeded")

	// ErrIO wraps failures of the underlying filesystem operations.
	ErrIO = errors.New("i/o failure")
)
