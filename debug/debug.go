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

package debug

import (
	"sync/atomic"

	"github.com/cloudwego/dexcc/internal/atm/pgen"
)

// A Stats records statistics about the code generator.
type Stats struct {
	Methods MethodStats
	Output  OutputStats
}

// A MethodStats records how many methods were compiled.
type MethodStats struct {
	Compiled int
	Failed   int
}

// An OutputStats records the size of the generated code and stack maps.
// DedupHits counts the stack map rows and tables shared instead of stored
// again.
type OutputStats struct {
	CodeSize     int
	StackMapSize int
	DedupHits    int
}

// GetStats returns statistics of the code generator.
func GetStats() Stats {
	return Stats{
		Methods: MethodStats{
			Compiled: int(atomic.LoadUint64(&pgen.MethodCount)),
			Failed:   int(atomic.LoadUint64(&pgen.FailCount)),
		},
		Output: OutputStats{
			CodeSize:     int(atomic.LoadUint64(&pgen.CodeSize)),
			StackMapSize: int(atomic.LoadUint64(&pgen.StackMapSize)),
			DedupHits:    int(atomic.LoadUint64(&pgen.DedupCount)),
		},
	}
}
