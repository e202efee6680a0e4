// SPDX-License-Identifier: MIT
//
// Copyright (c) 2024 Adrian "asie" Siekierka

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"github.com/xyproto/env/v2"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/CrackerCat/patchelf/elf"
)

var cfg struct {
	newInterpreter   string
	printInterpreter bool
	newRPath         string
	setRPath         bool
	shrinkRPath      bool
	printRPath       bool
	debug            bool
	fileName         string
}

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]),
		"Modify the dynamic linker and RPATH of 32-bit ELF executables.").UsageWriter(os.Stderr)
	app.HelpFlag.Short('h')
	app.Flag("set-interpreter", "Set the program interpreter to PATH.").
		PlaceHolder("PATH").StringVar(&cfg.newInterpreter)
	app.Flag("interpreter", "Alias for --set-interpreter.").
		Hidden().StringVar(&cfg.newInterpreter)
	app.Flag("print-interpreter", "Print the current program interpreter.").
		BoolVar(&cfg.printInterpreter)
	app.Flag("set-rpath", "Set the RPATH to RPATH.").
		PlaceHolder("RPATH").
		Action(func(*kingpin.ParseContext) error { cfg.setRPath = true; return nil }).
		StringVar(&cfg.newRPath)
	app.Flag("shrink-rpath", "Remove RPATH directories that contribute no needed library.").
		BoolVar(&cfg.shrinkRPath)
	app.Flag("print-rpath", "Print the current RPATH.").
		BoolVar(&cfg.printRPath)
	app.Flag("debug", "Emit step-by-step progress to stderr.").
		BoolVar(&cfg.debug)
	app.Arg("filename", "ELF executable or shared library to patch.").
		Required().StringVar(&cfg.fileName)

	if len(os.Args) <= 1 {
		app.Usage(nil)
		os.Exit(1)
	}
	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	debugMode := cfg.debug || env.Str("PATCHELF_DEBUG") != ""
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	if debugMode {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowNone())
	}

	if err := patchElf(logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func patchElf(logger log.Logger) error {
	if !cfg.printInterpreter && !cfg.printRPath {
		level.Debug(logger).Log("msg", "patching ELF file", "file", cfg.fileName)
	}

	f, err := elf.Open(afero.NewOsFs(), logger, cfg.fileName)
	if err != nil {
		return err
	}

	if cfg.printInterpreter {
		interp, err := f.Interpreter()
		if err != nil {
			return err
		}
		if i := strings.IndexByte(interp, 0); i >= 0 {
			interp = interp[:i]
		}
		fmt.Println(interp)
	}

	if cfg.newInterpreter != "" {
		if err := f.SetInterpreter(cfg.newInterpreter); err != nil {
			return err
		}
	}

	if cfg.printRPath {
		if err := f.ModifyRPath(elf.RPathPrint, "", os.Stdout); err != nil {
			return err
		}
	}

	if cfg.shrinkRPath {
		if err := f.ModifyRPath(elf.RPathShrink, "", os.Stdout); err != nil {
			return err
		}
	} else if cfg.setRPath {
		if err := f.ModifyRPath(elf.RPathSet, cfg.newRPath, os.Stdout); err != nil {
			return err
		}
	}

	if f.Changed() {
		if err := f.RewriteSections(); err != nil {
			return err
		}
		if err := f.Save(); err != nil {
			return err
		}
	}
	return nil
}
