// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// RPathOp selects what ModifyRPath does. The string payload is meaningful
// only for RPathSet.
type RPathOp int

const (
	// RPathPrint writes the current RPATH (empty if none) to the output.
	RPathPrint RPathOp = iota
	// RPathShrink drops absolute RPATH components that contribute no
	// still-needed library.
	RPathShrink
	// RPathSet installs the given string as the new RPATH.
	RPathSet
)

// ModifyRPath prints, shrinks or sets the DT_RPATH of the file. Print output
// goes to out. Shrink consults the host filesystem for the needed libraries.
func (f *File) ModifyRPath(op RPathOp, newRPath string, out io.Writer) error {
	shdrDynamic, ok := f.findSection(".dynamic")
	if !ok {
		return errors.Wrap(ErrMalformedInput, "cannot find section .dynamic")
	}
	shdrDynStr, ok := f.findSection(".dynstr")
	if !ok {
		return errors.Wrap(ErrMalformedInput, "cannot find section .dynstr")
	}
	contents := f.buf.Bytes()
	if uint64(shdrDynamic.Offset)+uint64(shdrDynamic.Size) > uint64(len(contents)) ||
		uint64(shdrDynStr.Offset)+uint64(shdrDynStr.Size) > uint64(len(contents)) {
		return errors.Wrap(ErrMalformedInput, "dynamic sections extend past end of file")
	}
	strTab := contents[shdrDynStr.Offset : shdrDynStr.Offset+shdrDynStr.Size]

	dyn, err := parseDynamic(contents[shdrDynamic.Offset : shdrDynamic.Offset+shdrDynamic.Size])
	if err != nil {
		return err
	}

	// The virtual address in DT_STRTAB is assumed to denote .dynstr.
	var strTabAddr uint32
	for _, e := range dyn {
		if e.Tag == DT_STRTAB {
			strTabAddr = e.Val
		}
	}
	if strTabAddr == 0 {
		return errors.Wrap(ErrMalformedInput, "strange: no string table")
	}
	if strTabAddr != shdrDynStr.Addr {
		return errors.Wrap(ErrMalformedInput, "DT_STRTAB does not match .dynstr")
	}

	rpathEntry := -1
	var rpathOff uint32
	var neededLibs []string
	for i, e := range dyn {
		switch e.Tag {
		case DT_RPATH:
			rpathEntry = i
			rpathOff = e.Val
		case DT_NEEDED:
			lib, err := stringAt(strTab, e.Val)
			if err != nil {
				return err
			}
			neededLibs = append(neededLibs, lib)
		}
	}

	var rpath string
	if rpathEntry >= 0 {
		if rpath, err = stringAt(strTab, rpathOff); err != nil {
			return err
		}
	}

	if op == RPathPrint {
		_, err := fmt.Fprintln(out, rpath)
		return err
	}

	if op == RPathShrink && rpathEntry < 0 {
		f.debug("msg", "no RPATH to shrink")
		return nil
	}
	if op == RPathShrink {
		newRPath = f.shrinkRPath(rpath, neededLibs)
	}

	if rpath == newRPath {
		return nil
	}
	f.changed = true
	f.debug("msg", "new RPATH", "rpath", newRPath)

	// Wipe the old RPATH so the previous search paths no longer appear in
	// the file bytes. Done before any .dynstr replacement is initialized,
	// so a grown string table carries the wiped bytes too.
	rpathSize := 0
	if rpathEntry >= 0 {
		rpathSize = len(rpath)
		for i := 0; i < rpathSize; i++ {
			strTab[rpathOff+uint32(i)] = 'X'
		}
	}

	if rpathEntry >= 0 && len(newRPath) <= rpathSize {
		copy(strTab[rpathOff:], newRPath)
		strTab[rpathOff+uint32(len(newRPath))] = 0
		return nil
	}

	// The new RPATH does not fit in place: grow .dynstr and append it at
	// the old end of the table.
	f.debug("msg", "RPATH is too long, resizing .dynstr")
	newDynStr, err := f.ReplaceSection(".dynstr", int(shdrDynStr.Size)+len(newRPath)+1)
	if err != nil {
		return err
	}
	copy(newDynStr[shdrDynStr.Size:], newRPath)
	newOff := shdrDynStr.Size

	if rpathEntry >= 0 {
		// Retarget the existing DT_RPATH entry in place.
		writeStructAt(contents, shdrDynamic.Offset+uint32(rpathEntry)*dynEntrySize,
			&dynEntry{Tag: DT_RPATH, Val: newOff})
		return nil
	}

	// No DT_RPATH entry: grow .dynamic by one entry and splice a fresh one
	// in front of the DT_NULL terminator.
	newDynamic, err := f.ReplaceSection(".dynamic", int(shdrDynamic.Size)+dynEntrySize)
	if err != nil {
		return err
	}
	entries, err := parseDynamic(newDynamic)
	if err != nil {
		return err
	}
	idx := uint32(len(entries))
	f.debug("msg", "inserting DT_RPATH entry", "index", idx)
	writeStructAt(newDynamic, idx*dynEntrySize, &dynEntry{Tag: DT_RPATH, Val: newOff})
	writeStructAt(newDynamic, (idx+1)*dynEntrySize, &dynEntry{Tag: DT_NULL, Val: 0})
	return nil
}

// shrinkRPath keeps every non-absolute component (the $ORIGIN token in
// particular) and every absolute directory that contains at least one needed
// library not already satisfied by an earlier component.
func (f *File) shrinkRPath(rpath string, neededLibs []string) string {
	libFound := make([]bool, len(neededLibs))
	var kept []string
	for _, dir := range strings.Split(rpath, ":") {
		if dir == "" || dir[0] != '/' {
			kept = append(kept, dir)
			continue
		}
		contributes := false
		for j, lib := range neededLibs {
			if libFound[j] {
				continue
			}
			if _, err := f.fs.Stat(filepath.Join(dir, lib)); err == nil {
				libFound[j] = true
				contributes = true
			}
		}
		if contributes {
			kept = append(kept, dir)
		} else {
			f.debug("msg", "removing directory from RPATH", "directory", dir)
		}
	}
	return strings.Join(kept, ":")
}

// parseDynamic decodes the entries preceding the DT_NULL terminator.
func parseDynamic(data []byte) ([]dynEntry, error) {
	var entries []dynEntry
	for off := 0; off+dynEntrySize <= len(data); off += dynEntrySize {
		var e dynEntry
		if err := readStructAt(data, uint32(off), &e); err != nil {
			return nil, errors.Wrap(ErrMalformedInput, "reading dynamic entry")
		}
		if e.Tag == DT_NULL {
			return entries, nil
		}
		entries = append(entries, e)
	}
	return nil, errors.Wrap(ErrMalformedInput, "missing DT_NULL terminator in .dynamic")
}

// stringAt reads the NUL-terminated string at off in a string table.
func stringAt(strTab []byte, off uint32) (string, error) {
	if off >= uint32(len(strTab)) {
		return "", errors.Wrap(ErrMalformedInput, "string table offset out of range")
	}
	end := bytes.IndexByte(strTab[off:], 0)
	if end < 0 {
		return "", errors.Wrap(ErrMalformedInput, "unterminated string in string table")
	}
	return string(strTab[off : off+uint32(end)]), nil
}
