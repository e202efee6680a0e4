// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"github.com/pkg/errors"
)

// Interpreter returns the full contents of the .interp section: the program
// interpreter path including its terminating NUL.
func (f *File) Interpreter() (string, error) {
	sh, ok := f.findSection(".interp")
	if !ok {
		return "", errors.Wrap(ErrMalformedInput, "cannot find section .interp")
	}
	if uint64(sh.Offset)+uint64(sh.Size) > uint64(f.buf.Len()) {
		return "", errors.Wrap(ErrMalformedInput, "section .interp extends past end of file")
	}
	return string(f.buf.Bytes()[sh.Offset : sh.Offset+sh.Size]), nil
}

// SetInterpreter replaces .interp with newInterpreter plus a terminating NUL.
// Setting the current value is a no-op, so an identity edit leaves the file
// byte-identical.
func (f *File) SetInterpreter(newInterpreter string) error {
	if cur, err := f.Interpreter(); err == nil && cur == newInterpreter+"\x00" {
		f.debug("msg", "interpreter unchanged", "interpreter", newInterpreter)
		return nil
	}
	section, err := f.ReplaceSection(".interp", len(newInterpreter)+1)
	if err != nil {
		return err
	}
	copy(section, newInterpreter)
	section[len(newInterpreter)] = 0
	f.changed = true
	return nil
}
