// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/CrackerCat/patchelf/layout"
)

const pageSize = 4096

func roundUp(n uint32, m uint32) uint32 {
	return ((n-1)/m + 1) * m
}

// sectionImage is a replaced section pending placement in the reserved low
// region of the file.
type sectionImage struct {
	name   string
	data   []byte
	offset uint64
}

func (s *sectionImage) Offset() uint64          { return s.offset }
func (s *sectionImage) SetOffset(offset uint64) { s.offset = offset }
func (s *sectionImage) Size() uint64            { return uint64(len(s.data)) }
func (s *sectionImage) Alignment() uint64       { return 4 }

// RewriteSections lays out a new file image honoring every pending section
// replacement. Sections that cannot stay in place are packed, in section-name
// order, into the region between the program-header table and the first
// unmoved section; if that region is too small the whole image is shifted
// forward by whole pages and a PT_LOAD segment is added to map the reserved
// prefix. Section headers, program headers and the virtual addresses stored
// in .dynamic are fixed up to match.
func (f *File) RewriteSections() error {
	if len(f.replaced) == 0 {
		return nil
	}

	replacedNames := make([]string, 0, len(f.replaced))
	for name := range f.replaced {
		replacedNames = append(replacedNames, name)
	}
	slices.Sort(replacedNames)
	for _, name := range replacedNames {
		f.debug("msg", "replacing section", "section", name, "size", len(f.replaced[name]))
	}

	// The highest section index whose name is replaced bounds the span of
	// sections that may have to move.
	lastReplaced := 0
	for i := 1; i < len(f.shdrs); i++ {
		name := f.sectionName(&f.shdrs[i])
		if _, ok := f.replaced[name]; ok {
			lastReplaced = i
		}
	}
	if lastReplaced == 0 {
		return errors.Wrap(ErrMalformedInput, "replaced section does not exist in file")
	}
	f.debug("msg", "last replaced section", "index", lastReplaced)

	if lastReplaced+1 >= len(f.shdrs) {
		return errors.Wrap(ErrMalformedInput, "no section follows the last replaced section")
	}
	startOffset := f.shdrs[lastReplaced+1].Offset
	startAddr := f.shdrs[lastReplaced+1].Addr

	// Absorb the sections in front of the boundary so the whole prefix can
	// be relocated together. A SHT_PROGBITS section other than .interp may
	// be referenced by absolute addresses stored elsewhere and must not
	// move; the section right after .dynstr is likewise left alone so a
	// growing .dynstr does not disturb it.
	prevSection := ""
	for i := 1; i <= lastReplaced; i++ {
		sh := &f.shdrs[i]
		name := f.sectionName(sh)
		f.debug("msg", "looking at section", "section", name)
		if (sh.Type == SHT_PROGBITS && name != ".interp") || prevSection == ".dynstr" {
			startOffset = sh.Offset
			startAddr = sh.Addr
			lastReplaced = i - 1
			break
		}
		if _, ok := f.replaced[name]; !ok {
			f.debug("msg", "replacing section which is in the way", "section", name)
			if _, err := f.ReplaceSection(name, int(sh.Size)); err != nil {
				return err
			}
		}
		prevSection = name
	}

	// The scan may have added sections; lay out the complete set.
	replacedNames = replacedNames[:0]
	for name := range f.replaced {
		replacedNames = append(replacedNames, name)
	}
	slices.Sort(replacedNames)

	f.debug("msg", "first reserved location",
		"offset", fmt.Sprintf("%#x", startOffset), "addr", fmt.Sprintf("%#x", startAddr))

	if startAddr%pageSize != startOffset%pageSize {
		return errors.Wrapf(ErrMalformedInput,
			"section offset %#x and address %#x are not congruent modulo the page size", startOffset, startAddr)
	}
	firstPage := startAddr - startOffset
	f.debug("msg", "first page", "addr", fmt.Sprintf("%#x", firstPage))

	// The reserved low region is about to be overwritten; a section-header
	// table living below it cannot be preserved.
	if f.hdr.ShOff < startOffset {
		return errors.Wrap(ErrMalformedInput, "section header table precedes section contents")
	}

	// Space for the ELF header, the program-header table and every
	// replaced section, each padded to 4 bytes.
	neededSpace := uint32(ehdrSize) + uint32(len(f.phdrs))*phdrSize
	for _, name := range replacedNames {
		neededSpace += roundUp(uint32(len(f.replaced[name])), 4)
	}
	f.debug("msg", "computed needed space", "bytes", neededSpace)

	if neededSpace > startOffset {
		// Growing adds one PT_LOAD entry to the table, so reserve room
		// for it up front.
		neededSpace += phdrSize
		neededPages := roundUp(neededSpace-startOffset, pageSize) / pageSize
		f.debug("msg", "growing file", "pages", neededPages)
		if neededPages*pageSize > firstPage {
			return errors.Wrapf(ErrAddressUnderrun,
				"reserving %d pages below address %#x", neededPages, firstPage)
		}
		firstPage -= neededPages * pageSize
		startOffset += neededPages * pageSize
		if err := f.shiftFile(neededPages, firstPage); err != nil {
			return err
		}
	}

	contents := f.buf.Bytes()

	// Zero the reserved region, then pack the replaced sections into it in
	// name order.
	curOff := uint32(ehdrSize) + uint32(len(f.phdrs))*phdrSize
	clear(contents[curOff:startOffset])

	region := layout.NewRegion[*sectionImage](uint64(curOff), uint64(startOffset-curOff))
	for _, name := range replacedNames {
		img := &sectionImage{name: name, data: f.replaced[name]}
		if !region.Place(img) {
			return errors.Wrapf(ErrMalformedInput,
				"section %s does not fit in the reserved region", name)
		}
		f.debug("msg", "rewriting section", "section", name, "offset", img.offset)

		copy(contents[img.offset:], img.data)

		sh, ok := f.findSection(name)
		if !ok {
			return errors.Wrapf(ErrMalformedInput, "cannot find section %s", name)
		}
		sh.Offset = uint32(img.offset)
		sh.Addr = firstPage + sh.Offset
		sh.Size = uint32(len(img.data))
		sh.AddrAlign = 4

		// PT_INTERP and PT_DYNAMIC describe these sections and must track
		// them.
		if name == ".interp" {
			f.syncSegment(PT_INTERP, sh)
		}
		if name == ".dynamic" {
			f.syncSegment(PT_DYNAMIC, sh)
		}

		delete(f.replaced, name)
	}
	if end := roundUp(uint32(region.End()), 4); end != neededSpace {
		return errors.Wrapf(ErrMalformedInput,
			"replaced sections end at %#x, expected %#x", end, neededSpace)
	}

	// Serialize the headers. The PT_PHDR entry, when present, is required
	// to be first and describes the program-header table itself.
	if f.phdrs[0].Type == PT_PHDR {
		f.phdrs[0].Offset = f.hdr.PhOff
		f.phdrs[0].VAddr = firstPage + f.hdr.PhOff
		f.phdrs[0].PAddr = f.phdrs[0].VAddr
		f.phdrs[0].FileSize = uint32(len(f.phdrs)) * phdrSize
		f.phdrs[0].MemSize = f.phdrs[0].FileSize
	}
	writeStructAt(contents, 0, &f.hdr)
	for i := range f.phdrs {
		writeStructAt(contents, f.hdr.PhOff+uint32(i)*phdrSize, &f.phdrs[i])
	}
	for i := 1; i < len(f.shdrs); i++ {
		writeStructAt(contents, f.hdr.ShOff+uint32(i)*f.shdrSize(), &f.shdrs[i])
	}

	return f.fixDynamicAddresses(contents)
}

func (f *File) syncSegment(typ ProgramHeaderType, sh *SectionHeader) {
	for i := range f.phdrs {
		if f.phdrs[i].Type != typ {
			continue
		}
		f.phdrs[i].Offset = sh.Offset
		f.phdrs[i].VAddr = sh.Addr
		f.phdrs[i].PAddr = sh.Addr
		f.phdrs[i].FileSize = sh.Size
		f.phdrs[i].MemSize = sh.Size
	}
}

// shiftFile moves the whole image extraPages pages forward, freeing the low
// region of the file, and appends a PT_LOAD segment mapping that region at
// startPage so the dynamic loader keeps every header reachable in memory.
func (f *File) shiftFile(extraPages uint32, startPage uint32) error {
	oldSize := uint32(f.buf.Len())
	shift := extraPages * pageSize
	if err := f.buf.Grow(int(oldSize + shift)); err != nil {
		return err
	}
	contents := f.buf.Bytes()
	copy(contents[shift:shift+oldSize], contents[:oldSize])
	clear(contents[ehdrSize:shift])

	f.hdr.PhOff = ehdrSize
	f.hdr.ShOff += shift
	for i := range f.shdrs {
		f.shdrs[i].Offset += shift
	}
	for i := range f.phdrs {
		f.phdrs[i].Offset += shift
	}

	f.phdrs = append(f.phdrs, ProgramHeader{
		Type:     PT_LOAD,
		Offset:   0,
		VAddr:    startPage,
		PAddr:    startPage,
		FileSize: shift,
		MemSize:  shift,
		Flags:    PF_R | PF_W,
		Align:    pageSize,
	})
	f.hdr.PhNum++
	return nil
}

// fixDynamicAddresses rewrites the virtual addresses stored in .dynamic to
// the relocated sections they denote. A missing section is only fatal when
// the corresponding tag is present.
func (f *File) fixDynamicAddresses(contents []byte) error {
	shdrDynamic, ok := f.findSection(".dynamic")
	if !ok {
		return errors.Wrap(ErrMalformedInput, "cannot find section .dynamic")
	}

	sectionAddr := func(name string) (uint32, error) {
		sh, ok := f.findSection(name)
		if !ok {
			return 0, errors.Wrapf(ErrMissingSection, "cannot find section %s", name)
		}
		return sh.Addr, nil
	}

	end := shdrDynamic.Offset + shdrDynamic.Size
	for off := shdrDynamic.Offset; off+dynEntrySize <= end; off += dynEntrySize {
		var e dynEntry
		if err := readStructAt(contents, off, &e); err != nil {
			return errors.Wrap(ErrMalformedInput, "reading dynamic entry")
		}
		var err error
		switch e.Tag {
		case DT_NULL:
			return nil
		case DT_STRTAB:
			e.Val, err = sectionAddr(".dynstr")
		case DT_STRSZ:
			sh, ok := f.findSection(".dynstr")
			if !ok {
				return errors.Wrap(ErrMissingSection, "cannot find section .dynstr")
			}
			e.Val = sh.Size
		case DT_SYMTAB:
			e.Val, err = sectionAddr(".dynsym")
		case DT_HASH:
			e.Val, err = sectionAddr(".hash")
		case DT_JMPREL:
			e.Val, err = sectionAddr(".rel.plt")
		case DT_REL:
			// Some linkers emit .rel.got instead of .rel.dyn; accept
			// either.
			e.Val, err = sectionAddr(".rel.dyn")
			if err != nil {
				if e.Val, err = sectionAddr(".rel.got"); err != nil {
					return errors.Wrap(ErrMissingSection, "cannot find .rel.dyn or .rel.got")
				}
			}
		case DT_VERNEED:
			e.Val, err = sectionAddr(".gnu.version_r")
		case DT_VERSYM:
			e.Val, err = sectionAddr(".gnu.version")
		default:
			continue
		}
		if err != nil {
			return err
		}
		writeStructAt(contents, off, &e)
	}
	return errors.Wrap(ErrMalformedInput, "missing DT_NULL terminator in .dynamic")
}
