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
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

func cmdAbi(args []string) error {
	fs := flag.NewFlagSet("abi", flag.ExitOnError)
	arch := fs.String("isa", isa.Host().String(), "target instruction set")
	static := fs.Bool("static", false, "the method is static")
	jni := fs.Bool("jni", false, "print the native side of a JNI transition")
	sync := fs.Bool("sync", false, "the native method is synchronized")
	critical := fs.Bool("critical", false, "the native method is @CriticalNative")
	_ = fs.Parse(args)

	/* exactly one shorty */
	if fs.NArg() != 1 {
		return fmt.Errorf("abi: expect one shorty")
	}

	/* the target */
	target, err := isa.Parse(*arch)
	if err != nil {
		return err
	}

	/* the signature */
	sig, err := hir.ParseShorty(fs.Arg(0))
	if err != nil {
		return err
	}

	/* print the assignment */
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	if *jni {
		printJni(tw, abi.NewJniConvention(target, sig, *static, *sync, *critical), target)
	} else {
		printManaged(tw, abi.NewManagedConvention(target, sig, *static), sig, target)
	}
	return nil
}

func printManaged(w io.Writer, cc *abi.ManagedConvention, sig hir.Signature, arch isa.InstructionSet) {
	fmt.Fprintf(w, "method\t%s\n", locName(arch, cc.MethodRegister()))

	/* the arguments */
	for i := 0; cc.HasNext(); i++ {
		if cc.IsCurrentParamInRegister() {
			fmt.Fprintf(w, "arg %d\t%s\t%s\n", i, cc.CurrentParamType(), locName(arch, cc.CurrentParamRegister()))
		} else {
			fmt.Fprintf(w, "arg %d\t%s\t[sp+%d]\n", i, cc.CurrentParamType(), cc.CurrentParamStackOffset())
		}
		cc.Next()
	}

	/* the result */
	if sig.Return != hir.Void {
		fmt.Fprintf(w, "return\t%s\t%s\n", sig.Return, locName(arch, cc.ReturnRegister()))
	}
	fmt.Fprintf(w, "stack args\t%d\n", cc.StackArgsSize())
}

func printJni(w io.Writer, cc *abi.JniConvention, arch isa.InstructionSet) {
	fmt.Fprintf(w, "%s\n", cc)

	/* the native arguments, synthetic ones included */
	for i, arg := range cc.Args() {
		note := ""
		if arg.Synthetic {
			note = "synthetic"
		}
		fmt.Fprintf(w, "arg %d\t%s\t%s\t%s\n", i, arg.Type, locName(arch, arg.Loc), note)
	}

	/* the frame */
	fmt.Fprintf(w, "frame\t%d\n", cc.FrameSize())
	fmt.Fprintf(w, "out frame\t%d\n", cc.OutFrameSize())

	/* only critical natives can be tail called */
	if cc.IsCriticalNative() {
		fmt.Fprintf(w, "tail call\t%v\n", cc.UseTailCall())
		fmt.Fprintf(w, "hidden arg\t%s\n", locName(arch, cc.HiddenArgumentRegister()))
	}
}

func locName(arch isa.InstructionSet, loc hir.Location) string {
	switch {
	case loc.IsRegister():
		return arch.CoreRegisterName(loc.Reg())
	case loc.IsFpuRegister():
		return arch.FpRegisterName(loc.Reg())
	case loc.IsRegisterPair():
		return fmt.Sprintf("(%s,%s)", arch.CoreRegisterName(loc.Low()), arch.CoreRegisterName(loc.High()))
	case loc.IsFpuRegisterPair():
		return fmt.Sprintf("(%s,%s)", arch.FpRegisterName(loc.Low()), arch.FpRegisterName(loc.High()))
	default:
		return loc.String()
	}
}
