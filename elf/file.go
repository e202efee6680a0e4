// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package elf

import (
	"bytes"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var elfMagic = []byte{0x7F, 'E', 'L', 'F'}

// File is a mutable view over a 32-bit little-endian ELF image. The decoded
// header, program headers and section headers are authoritative once parsed;
// RewriteSections serializes them back into the buffer.
type File struct {
	buf          *Buffer
	hdr          fileHeader
	phdrs        []ProgramHeader
	shdrs        []SectionHeader
	sectionNames []byte

	// replaced maps a section name to its pending replacement bytes. Once a
	// name is present, the replacement is the authoritative content of that
	// section and the original file bytes are obsolete.
	replaced map[string][]byte

	changed bool

	path string
	mode os.FileMode

	fs     afero.Fs
	logger log.Logger
}

// Parse validates contents as a 32-bit little-endian executable or shared
// object and decodes its headers. The fs is consulted later for RPATH
// shrinking; the logger receives debug trace records.
func Parse(fs afero.Fs, logger log.Logger, contents []byte) (*File, error) {
	f := &File{
		buf:      NewBuffer(contents),
		replaced: make(map[string][]byte),
		fs:       fs,
		logger:   logger,
	}

	size := uint64(len(contents))
	if size < ehdrSize {
		return nil, errors.Wrap(ErrMalformedInput, "missing ELF header")
	}
	if !bytes.Equal(contents[0:4], elfMagic) {
		return nil, errors.Wrap(ErrMalformedInput, "not an ELF executable")
	}
	if FileClass(contents[EI_CLASS]) != ELFCLASS32 ||
		FileEndian(contents[EI_DATA]) != ELFDATA2LSB ||
		contents[EI_VERSION] != EV_CURRENT {
		return nil, errors.Wrap(ErrMalformedInput, "ELF executable is not 32-bit, little-endian, version 1")
	}
	if err := readStructAt(contents, 0, &f.hdr); err != nil {
		return nil, errors.Wrap(ErrMalformedInput, "missing ELF header")
	}
	if f.hdr.Type != ET_EXEC && f.hdr.Type != ET_DYN {
		return nil, errors.Wrap(ErrMalformedInput, "wrong ELF type")
	}
	if uint64(f.hdr.PhOff)+uint64(f.hdr.PhNum)*uint64(f.hdr.PhEntSize) > size {
		return nil, errors.Wrap(ErrMalformedInput, "missing program headers")
	}
	if uint64(f.hdr.ShOff)+uint64(f.hdr.ShNum)*uint64(f.hdr.ShEntSize) > size {
		return nil, errors.Wrap(ErrMalformedInput, "missing section headers")
	}
	if f.hdr.PhEntSize != phdrSize {
		return nil, errors.Wrap(ErrMalformedInput, "program headers have wrong size")
	}

	f.phdrs = make([]ProgramHeader, f.hdr.PhNum)
	for i := range f.phdrs {
		if err := readStructAt(contents, f.hdr.PhOff+uint32(i)*phdrSize, &f.phdrs[i]); err != nil {
			return nil, errors.Wrap(ErrMalformedInput, "reading program header")
		}
	}
	f.shdrs = make([]SectionHeader, f.hdr.ShNum)
	for i := range f.shdrs {
		if err := readStructAt(contents, f.hdr.ShOff+uint32(i)*f.shdrSize(), &f.shdrs[i]); err != nil {
			return nil, errors.Wrap(ErrMalformedInput, "reading section header")
		}
	}

	if int(f.hdr.ShStrNdx) >= len(f.shdrs) {
		return nil, errors.Wrap(ErrMalformedInput, "section-name string table index out of range")
	}
	shstrtab := f.shdrs[f.hdr.ShStrNdx]
	if uint64(shstrtab.Offset)+uint64(shstrtab.Size) > size {
		return nil, errors.Wrap(ErrMalformedInput, "section-name string table out of bounds")
	}
	if shstrtab.Size == 0 || contents[shstrtab.Offset+shstrtab.Size-1] != 0 {
		return nil, errors.Wrap(ErrMalformedInput, "section-name string table is not NUL-terminated")
	}
	f.sectionNames = append([]byte(nil), contents[shstrtab.Offset:shstrtab.Offset+shstrtab.Size]...)

	return f, nil
}

// shdrSize is the entry stride recorded in the header; entries are decoded
// with the canonical layout regardless, so an oversized stride only skips
// trailing bytes.
func (f *File) shdrSize() uint32 {
	if f.hdr.ShEntSize != 0 {
		return uint32(f.hdr.ShEntSize)
	}
	return shdrSize
}

// Open reads the file at path and parses it, recording the original mode for
// Save to restore.
func Open(fs afero.Fs, logger log.Logger, path string) (*File, error) {
	st, err := fs.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "read %s: %v", path, err)
	}
	f, err := Parse(fs, logger, contents)
	if err != nil {
		return nil, err
	}
	f.path = path
	f.mode = st.Mode()
	return f, nil
}

// Save writes the image to a sibling temporary file and renames it over the
// original, then restores the original mode. A failure before the rename
// leaves the original file intact.
func (f *File) Save() error {
	tmp := f.path + "_patchelf_tmp"
	if err := afero.WriteFile(f.fs, tmp, f.buf.Bytes(), 0700); err != nil {
		return errors.Wrapf(ErrIO, "write %s: %v", tmp, err)
	}
	if err := f.fs.Rename(tmp, f.path); err != nil {
		return errors.Wrapf(ErrIO, "rename %s: %v", tmp, err)
	}
	if err := f.fs.Chmod(f.path, f.mode); err != nil {
		return errors.Wrapf(ErrIO, "chmod %s: %v", f.path, err)
	}
	return nil
}

// Changed reports whether any operation modified the view since parsing.
func (f *File) Changed() bool {
	return f.changed
}

// sectionName resolves a header's name from the section-name string table.
func (f *File) sectionName(sh *SectionHeader) string {
	if sh.NameOff >= uint32(len(f.sectionNames)) {
		return ""
	}
	rest := f.sectionNames[sh.NameOff:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return ""
	}
	return string(rest[:end])
}

// findSection returns the header named name. Index 0 is the null section and
// never matches.
func (f *File) findSection(name string) (*SectionHeader, bool) {
	for i := 1; i < len(f.shdrs); i++ {
		if f.sectionName(&f.shdrs[i]) == name {
			return &f.shdrs[i], true
		}
	}
	return nil, false
}

// ReplaceSection returns the mutable replacement bytes for the named section,
// sized to exactly newSize. A first replacement is initialized from the
// current file contents, truncated or zero-padded; later calls resize the
// pending replacement. The file itself is not touched until RewriteSections.
func (f *File) ReplaceSection(name string, newSize int) ([]byte, error) {
	s := make([]byte, newSize)
	if prev, ok := f.replaced[name]; ok {
		copy(s, prev)
	} else {
		sh, ok := f.findSection(name)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedInput, "cannot find section %s", name)
		}
		if uint64(sh.Offset)+uint64(sh.Size) > uint64(f.buf.Len()) {
			return nil, errors.Wrapf(ErrMalformedInput, "section %s extends past end of file", name)
		}
		copy(s, f.buf.Bytes()[sh.Offset:sh.Offset+sh.Size])
	}
	f.replaced[name] = s
	return s, nil
}

func (f *File) debug(keyvals ...any) {
	level.Debug(f.logger).Log(keyvals...)
}
