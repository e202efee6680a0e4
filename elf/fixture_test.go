// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fixture builds a synthetic 32-bit little-endian executable with the layout
//
//	ehdr | phdrs | .interp .hash .dynsym .dynstr [slack] .text .dynamic .got .shstrtab | shdrs
//
// where every allocated section sits at base+offset, so the load-page
// congruence and segment-coverage invariants hold by construction.
type fixture struct {
	interp   string
	rpath    string
	hasRPath bool
	needed   []string
	slack    uint32 // free bytes between .dynstr and .text
	base     uint32 // load base; must be page-aligned
}

const (
	fixtureSectionCount = 9
	fixturePhdrCount    = 4
)

func (fx fixture) build(t *testing.T) []byte {
	t.Helper()
	if fx.base == 0 {
		fx.base = 0x08048000
	}
	if fx.interp == "" {
		fx.interp = "/lib/ld-linux.so.2"
	}
	require.Zero(t, fx.base%pageSize, "fixture base must be page-aligned")

	names := []string{"", ".interp", ".hash", ".dynsym", ".dynstr", ".text", ".dynamic", ".got", ".shstrtab"}
	var shstrtab []byte
	nameOff := make([]uint32, len(names))
	for i, n := range names {
		nameOff[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, n...)
		shstrtab = append(shstrtab, 0)
	}

	dynstr := []byte{0}
	neededOff := make([]uint32, len(fx.needed))
	for i, lib := range fx.needed {
		neededOff[i] = uint32(len(dynstr))
		dynstr = append(dynstr, lib...)
		dynstr = append(dynstr, 0)
	}
	rpathOff := uint32(len(dynstr))
	if fx.hasRPath {
		dynstr = append(dynstr, fx.rpath...)
		dynstr = append(dynstr, 0)
	}

	interp := append([]byte(fx.interp), 0)
	hash := make([]byte, 16)
	writeStructAt(hash, 0, []uint32{1, 1, 0, 0})
	dynsym := make([]byte, 16)
	text := make([]byte, 16)
	for i := range text {
		text[i] = 0xC3
	}
	got := make([]byte, 12)

	// Section data offsets, 4-byte aligned like a linker would emit.
	off := uint32(ehdrSize + fixturePhdrCount*phdrSize)
	place := func(size int) uint32 {
		off = roundUp(off, 4)
		o := off
		off += uint32(size)
		return o
	}
	interpOff := place(len(interp))
	hashOff := place(len(hash))
	dynsymOff := place(len(dynsym))
	dynstrOff := place(len(dynstr))
	off += fx.slack
	textOff := place(len(text))

	var dyn []dynEntry
	dyn = append(dyn,
		dynEntry{DT_HASH, fx.base + hashOff},
		dynEntry{DT_STRTAB, fx.base + dynstrOff},
		dynEntry{DT_SYMTAB, fx.base + dynsymOff},
		dynEntry{DT_STRSZ, uint32(len(dynstr))},
	)
	for _, o := range neededOff {
		dyn = append(dyn, dynEntry{DT_NEEDED, o})
	}
	if fx.hasRPath {
		dyn = append(dyn, dynEntry{DT_RPATH, rpathOff})
	}
	dyn = append(dyn, dynEntry{DT_NULL, 0})
	dynamic := make([]byte, len(dyn)*dynEntrySize)
	writeStructAt(dynamic, 0, dyn)

	dynamicOff := place(len(dynamic))
	gotOff := place(len(got))
	shstrtabOff := place(len(shstrtab))
	shOff := roundUp(off, 4)
	total := shOff + fixtureSectionCount*shdrSize

	image := make([]byte, total)

	shdrs := []SectionHeader{
		{},
		{NameOff: nameOff[1], Type: SHT_PROGBITS, Flags: SHF_ALLOC, Addr: fx.base + interpOff,
			Offset: interpOff, Size: uint32(len(interp)), AddrAlign: 1},
		{NameOff: nameOff[2], Type: SHT_HASH, Flags: SHF_ALLOC, Addr: fx.base + hashOff,
			Offset: hashOff, Size: uint32(len(hash)), AddrAlign: 4, EntSize: 4, Link: 3},
		{NameOff: nameOff[3], Type: SHT_DYNSYM, Flags: SHF_ALLOC, Addr: fx.base + dynsymOff,
			Offset: dynsymOff, Size: uint32(len(dynsym)), AddrAlign: 4, EntSize: 16, Link: 4},
		{NameOff: nameOff[4], Type: SHT_STRTAB, Flags: SHF_ALLOC, Addr: fx.base + dynstrOff,
			Offset: dynstrOff, Size: uint32(len(dynstr)), AddrAlign: 1},
		{NameOff: nameOff[5], Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_EXECINSTR, Addr: fx.base + textOff,
			Offset: textOff, Size: uint32(len(text)), AddrAlign: 4},
		{NameOff: nameOff[6], Type: SHT_DYNAMIC, Flags: SHF_ALLOC | SHF_WRITE, Addr: fx.base + dynamicOff,
			Offset: dynamicOff, Size: uint32(len(dynamic)), AddrAlign: 4, EntSize: 8, Link: 4},
		{NameOff: nameOff[7], Type: SHT_PROGBITS, Flags: SHF_ALLOC | SHF_WRITE, Addr: fx.base + gotOff,
			Offset: gotOff, Size: uint32(len(got)), AddrAlign: 4},
		{NameOff: nameOff[8], Type: SHT_STRTAB, Addr: 0,
			Offset: shstrtabOff, Size: uint32(len(shstrtab)), AddrAlign: 1},
	}

	phdrs := []ProgramHeader{
		{Type: PT_PHDR, Offset: ehdrSize, VAddr: fx.base + ehdrSize, PAddr: fx.base + ehdrSize,
			FileSize: fixturePhdrCount * phdrSize, MemSize: fixturePhdrCount * phdrSize, Flags: PF_R, Align: 4},
		{Type: PT_INTERP, Offset: interpOff, VAddr: fx.base + interpOff, PAddr: fx.base + interpOff,
			FileSize: uint32(len(interp)), MemSize: uint32(len(interp)), Flags: PF_R, Align: 1},
		{Type: PT_LOAD, Offset: 0, VAddr: fx.base, PAddr: fx.base,
			FileSize: gotOff + uint32(len(got)), MemSize: gotOff + uint32(len(got)),
			Flags: PF_R | PF_W | PF_X, Align: pageSize},
		{Type: PT_DYNAMIC, Offset: dynamicOff, VAddr: fx.base + dynamicOff, PAddr: fx.base + dynamicOff,
			FileSize: uint32(len(dynamic)), MemSize: uint32(len(dynamic)), Flags: PF_R | PF_W, Align: 4},
	}

	hdr := fileHeader{
		Type:      ET_EXEC,
		Machine:   3, // EM_386
		Version:   EV_CURRENT,
		Entry:     fx.base + textOff,
		PhOff:     ehdrSize,
		ShOff:     shOff,
		EhSize:    ehdrSize,
		PhEntSize: phdrSize,
		PhNum:     fixturePhdrCount,
		ShEntSize: shdrSize,
		ShNum:     fixtureSectionCount,
		ShStrNdx:  fixtureSectionCount - 1,
	}
	copy(hdr.Ident[:], elfMagic)
	hdr.Ident[EI_CLASS] = byte(ELFCLASS32)
	hdr.Ident[EI_DATA] = byte(ELFDATA2LSB)
	hdr.Ident[EI_VERSION] = EV_CURRENT

	writeStructAt(image, 0, &hdr)
	writeStructAt(image, ehdrSize, phdrs)
	copy(image[interpOff:], interp)
	copy(image[hashOff:], hash)
	copy(image[dynsymOff:], dynsym)
	copy(image[dynstrOff:], dynstr)
	copy(image[textOff:], text)
	copy(image[dynamicOff:], dynamic)
	copy(image[gotOff:], got)
	copy(image[shstrtabOff:], shstrtab)
	writeStructAt(image, shOff, shdrs)

	return image
}

func parseFixture(t *testing.T, image []byte) *File {
	t.Helper()
	f, err := Parse(afero.NewMemMapFs(), log.NewNopLogger(), image)
	require.NoError(t, err)
	return f
}

// reparse runs the current image through the parser again, checking that
// every edit left a structurally valid file behind.
func reparse(t *testing.T, f *File) *File {
	t.Helper()
	out, err := Parse(f.fs, log.NewNopLogger(), append([]byte(nil), f.buf.Bytes()...))
	require.NoError(t, err)
	return out
}

// checkLayoutInvariants verifies the properties every rewritten file must
// keep: offset/address page congruence for allocated sections, and program
// headers tracking their sections.
func checkLayoutInvariants(t *testing.T, f *File) {
	t.Helper()
	for i := 1; i < len(f.shdrs); i++ {
		sh := &f.shdrs[i]
		if sh.Flags&SHF_ALLOC == 0 {
			continue
		}
		require.Equal(t, sh.Offset%pageSize, sh.Addr%pageSize,
			"section %s offset/address congruence", f.sectionName(sh))
	}
	for i := range f.phdrs {
		ph := &f.phdrs[i]
		switch ph.Type {
		case PT_INTERP:
			sh, ok := f.findSection(".interp")
			require.True(t, ok)
			require.Equal(t, sh.Offset, ph.Offset, "PT_INTERP offset")
			require.Equal(t, sh.Addr, ph.VAddr, "PT_INTERP vaddr")
			require.Equal(t, sh.Size, ph.FileSize, "PT_INTERP filesz")
		case PT_DYNAMIC:
			sh, ok := f.findSection(".dynamic")
			require.True(t, ok)
			require.Equal(t, sh.Offset, ph.Offset, "PT_DYNAMIC offset")
			require.Equal(t, sh.Addr, ph.VAddr, "PT_DYNAMIC vaddr")
			require.Equal(t, sh.Size, ph.FileSize, "PT_DYNAMIC filesz")
		case PT_PHDR:
			require.Equal(t, f.hdr.PhOff, ph.Offset, "PT_PHDR offset")
			require.Equal(t, uint32(len(f.phdrs))*phdrSize, ph.FileSize, "PT_PHDR filesz")
		}
	}
}

// checkDynamicIntegrity verifies that address-valued dynamic entries point at
// the sections they name.
func checkDynamicIntegrity(t *testing.T, f *File) {
	t.Helper()
	shdrDynamic, ok := f.findSection(".dynamic")
	require.True(t, ok)
	shdrDynStr, ok := f.findSection(".dynstr")
	require.True(t, ok)
	contents := f.buf.Bytes()
	dyn, err := parseDynamic(contents[shdrDynamic.Offset : shdrDynamic.Offset+shdrDynamic.Size])
	require.NoError(t, err)
	for _, e := range dyn {
		switch e.Tag {
		case DT_STRTAB:
			require.Equal(t, shdrDynStr.Addr, e.Val, "DT_STRTAB")
		case DT_STRSZ:
			require.Equal(t, shdrDynStr.Size, e.Val, "DT_STRSZ")
		case DT_SYMTAB:
			sh, ok := f.findSection(".dynsym")
			require.True(t, ok)
			require.Equal(t, sh.Addr, e.Val, "DT_SYMTAB")
		case DT_HASH:
			sh, ok := f.findSection(".hash")
			require.True(t, ok)
			require.Equal(t, sh.Addr, e.Val, "DT_HASH")
		}
	}
}
