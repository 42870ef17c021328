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

package rtx

/** Object Layout
 *
 *      +-----------------------+ 0
 *      | class (compressed)    |
 *      | monitor               |
 *      +-----------------------+ 8
 *      | array length          |
 *      +-----------------------+ 12
 *      | array data            |  (16 for 8-byte components)
 *      +-----------------------+
 */

const (
	ObjectHeaderSize  = 8
	ArrayLengthOffset = 8
	HeapReferenceSize = 4
)

// CardShift is log2 of the card size of the card table.
const (
	CardShift = 10
)

const (
	_ArtMethodPtrFields = 16
)

// ArrayDataOffset returns the offset of the first element of an array whose
// components take size bytes.
func ArrayDataOffset(size int) int {
	switch size {
	case 1, 2, 4:
		return ArrayLengthOffset + 4
	case 8:
		return ArrayLengthOffset + 8
	default:
		panic("rtx: invalid component size")
	}
}

// ArtMethodQuickCodeOffset returns the offset of the compiled code pointer
// inside an ArtMethod.
func ArtMethodQuickCodeOffset(ptrSize int) int {
	return _ArtMethodPtrFields + checkPtrSize(ptrSize)
}
