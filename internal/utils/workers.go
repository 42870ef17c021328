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
	"sync"

	"github.com/bytedance/gopkg/util/gopool"
)

// Workers is a small fork/join pool. It is not a scheduler: every ForkJoin
// call waits for all of its tasks before returning.
type Workers struct {
	n int
	p gopool.Pool
}

// NewWorkers creates a pool running at most n tasks at a time.
func NewWorkers(name string, n int) *Workers {
	if n <= 0 {
		panic("workers: invalid worker count")
	}
	return &Workers{
		n: n,
		p: gopool.NewPool(name, int32(n), gopool.NewConfig()),
	}
}

// Size returns the maximum number of concurrent tasks.
func (self *Workers) Size() int {
	return self.n
}

// ForkJoin runs fn(0) ... fn(n-1) on the pool and waits for all of them.
// A panic inside a task is captured and re-raised on the calling goroutine
// after every task has finished.
func (self *Workers) ForkJoin(n int, fn func(i int)) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var pv *Panic

	/* a single task runs inline */
	if n == 1 || self.n == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	/* fork */
	wg.Add(n)
	for i := 0; i < n; i++ {
		idx := i
		self.p.Go(func() {
			defer wg.Done()
			if err := Guard(func() { fn(idx) }); err != nil {
				mu.Lock()
				if pv == nil {
					pv = err
				}
				mu.Unlock()
			}
		})
	}

	/* join */
	wg.Wait()
	if pv != nil {
		panic(pv.Value)
	}
}
