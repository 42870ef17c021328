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

package utils

import (
	"fmt"
	"runtime/debug"
)

// Panic is a recovered panic together with the stack it was raised on.
type Panic struct {
	Value interface{}
	Stack string
}

func (self *Panic) Error() string {
	switch v := self.Value.(type) {
	case error:
		return v.Error()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Guard runs fn and converts a panic raised inside it into a *Panic. It is
// meant for the outermost compilation boundary only.
func Guard(fn func()) (err *Panic) {
	defer func() {
		if v := recover(); v != nil {
			err = &Panic{
				Value: v,
				Stack: string(debug.Stack()),
			}
		}
	}()
	fn()
	return
}

// ENotImpl builds the panic message for an operation a target does not implement.
func ENotImpl(pkg string, target fmt.Stringer, what string) string {
	return fmt.Sprintf("%s: %s is not implemented for %s", pkg, what, target)
}

// EMismatch builds the panic message for an internal consistency failure.
func EMismatch(pkg string, what string, args ...interface{}) string {
	return pkg + ": " + fmt.Sprintf(what, args...)
}
