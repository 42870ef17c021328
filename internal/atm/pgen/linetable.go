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

package pgen

import (
	"sort"

	"github.com/cloudwego/dexcc/internal/atm/stackmap"
)

// LineEntry maps a native pc to the dex pc of the outermost frame.
type LineEntry struct {
	NativePc uint32
	DexPc    uint32
}

// LineTable is ordered by native pc, with one entry per native pc.
type LineTable []LineEntry

// BuildLineTable collects the pc mappings of every stack map of a method.
// When several stack maps share a native pc, the one recorded first wins.
func BuildLineTable(ci *stackmap.CodeInfo) LineTable {
	n := ci.NumberOfStackMaps()
	ret := make(LineTable, 0, n)

	/* every stack map is a mapping */
	for i := 0; i < n; i++ {
		sm := ci.StackMapAt(i)
		ret = append(ret, LineEntry{NativePc: sm.NativePcOffset, DexPc: sm.DexPc})
	}

	/* order by native pc, keeping the recording order for ties */
	sort.SliceStable(ret, func(i int, j int) bool {
		return ret[i].NativePc < ret[j].NativePc
	})

	/* remove the duplicated native pcs */
	p := 0
	for i := range ret {
		if i == 0 || ret[i].NativePc != ret[p-1].NativePc {
			ret[p] = ret[i]
			p++
		}
	}
	return ret[:p]
}

// Lookup returns the dex pc of the closest mapping at or before pc.
func (self LineTable) Lookup(pc uint32) (uint32, bool) {
	i := sort.Search(len(self), func(i int) bool { return self[i].NativePc > pc })
	if i == 0 {
		return 0, false
	} else {
		return self[i-1].DexPc, true
	}
}
