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

package dexcc

import (
	"fmt"
)

// CompileError occurs when a method cannot be compiled. Stack is where the
// code generator gave up.
type CompileError struct {
	Method string
	Reason string
	Stack  []byte
}

func (self CompileError) Error() string {
	if self.Method == "" {
		return "CompileError: " + self.Reason
	} else {
		return fmt.Sprintf("CompileError(%s): %s", self.Method, self.Reason)
	}
}

// ConfigError occurs when the options are inconsistent.
type ConfigError struct {
	Key    string
	Reason string
}

func (self ConfigError) Error() string {
	if self.Key != "" {
		return fmt.Sprintf("ConfigError(%s): %s", self.Key, self.Reason)
	} else {
		return "ConfigError: " + self.Reason
	}
}
