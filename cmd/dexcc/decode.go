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

package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/cloudwego/dexcc/internal/atm/stackmap"
)

type _CodeInfoInfo struct {
	Size             int             `json:"size"`
	FrameSize        int             `json:"frame_size"`
	Baseline         bool            `json:"baseline"`
	Debuggable       bool            `json:"debuggable"`
	ShouldDeoptimize bool            `json:"should_deoptimize"`
	StackMaps        []_StackMapInfo `json:"stack_maps"`
}

func cmdDecode(args []string) error {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	off := fs.Int("off", 0, "byte offset of the code info in the blob")
	asJSON := fs.Bool("json", false, "print the code info as JSON")
	_ = fs.Parse(args)

	/* the blob, "-" reads it from stdin */
	if fs.NArg() != 1 {
		return fmt.Errorf("decode: expect one hex blob")
	}
	buf, err := readBlob(fs.Arg(0))
	if err != nil {
		return err
	}

	/* decode and print */
	ci, err := decodeBlob(buf, *off)
	if err != nil {
		return err
	} else if *asJSON {
		return printCodeInfo(os.Stdout, ci)
	} else {
		ci.Dump(os.Stdout)
		return nil
	}
}

func readBlob(arg string) ([]byte, error) {
	if arg == "-" {
		if buf, err := io.ReadAll(os.Stdin); err != nil {
			return nil, err
		} else {
			arg = string(buf)
		}
	}
	return hex.DecodeString(strings.Join(strings.Fields(arg), ""))
}

// decodeBlob turns a decoding panic into an error, the blob comes from outside.
func decodeBlob(buf []byte, off int) (ci *stackmap.CodeInfo, err error) {
	if off < 0 || off >= len(buf) {
		return nil, fmt.Errorf("decode: offset %d out of range", off)
	}
	defer func() {
		if v := recover(); v != nil {
			ci, err = nil, fmt.Errorf("decode: malformed code info: %v", v)
		}
	}()
	return stackmap.DecodeCodeInfo(buf, off), nil
}

func printCodeInfo(w io.Writer, ci *stackmap.CodeInfo) error {
	ret := _CodeInfoInfo{
		Size:             ci.Size(),
		FrameSize:        ci.FrameSize(),
		Baseline:         ci.IsBaseline(),
		Debuggable:       ci.IsDebuggable(),
		ShouldDeoptimize: ci.HasShouldDeoptimizeFlag(),
	}
	for i := 0; i < ci.NumberOfStackMaps(); i++ {
		ret.StackMaps = append(ret.StackMaps, stackMapInfo(ci, ci.StackMapAt(i)))
	}
	return json.NewEncoder(w).Encode(ret)
}
