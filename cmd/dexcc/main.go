/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command dexcc compiles methods described in a unit file and inspects the
// calling conventions and stack maps the compiler produces.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Version = "0.1.0"
)

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		os.Exit(0)
	}

	/* dispatch the command */
	var err error
	switch command := args[0]; command {
	case "compile":
		err = cmdCompile(args[1:])
	case "abi":
		err = cmdAbi(args[1:])
	case "decode":
		err = cmdDecode(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("dexcc %s\n", Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "dexcc: unknown command %q\n\n", command)
		printUsage()
		os.Exit(2)
	}

	/* report the error */
	if err != nil {
		fmt.Fprintf(os.Stderr, "dexcc: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf("dexcc %s\n\n", Version)
	fmt.Println("Usage:")
	fmt.Println("  dexcc <command> [options] [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  compile <unit.toml>       compile the methods of a unit file")
	fmt.Println("  abi <shorty>              print the argument assignment of a signature")
	fmt.Println("  decode <hex>              decode a stack map blob")
	fmt.Println("  version                   print the version")
	fmt.Println("  help                      print this message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  dexcc compile -isa arm64 -json unit.toml")
	fmt.Println("  dexcc abi -isa x86_64 -jni -static JIDL")
	fmt.Println("  dexcc decode -off 0 $(cat maps.hex)")
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.DisableStacktrace = true

	/* -v enables the per method messages */
	if verbose {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}

	/* fall back to a silent logger */
	if logger, err := cfg.Build(); err != nil {
		return zap.NewNop()
	} else {
		return logger
	}
}
