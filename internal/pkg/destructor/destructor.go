// Copyright 2015 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package destructor gives cleanup chains (FIFO fds, work directories,
// child processes) a deterministic teardown order without relying on
// finalizers.
package destructor

import (
	"io"

	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/update-agent", "destructor")

// Destructor is anything that must be cleaned up exactly once.
type Destructor interface {
	Destroy()
}

// CloserDestructor adapts an io.Closer to a Destructor, logging (not
// failing) any error returned by Close.
type CloserDestructor struct {
	io.Closer
}

func (c CloserDestructor) Destroy() {
	if err := c.Close(); err != nil {
		plog.Errorf("close failed: %v", err)
	}
}

// FuncDestructor adapts a plain func() to a Destructor.
type FuncDestructor func()

func (f FuncDestructor) Destroy() { f() }

// MultiDestructor runs its members in reverse registration order, mirroring
// how nested defers would unwind if the cleanups had been expressed as
// simple defers in one function.
type MultiDestructor []Destructor

func (m *MultiDestructor) AddCloser(c io.Closer) {
	m.AddDestructor(CloserDestructor{c})
}

func (m *MultiDestructor) AddFunc(f func()) {
	m.AddDestructor(FuncDestructor(f))
}

func (m *MultiDestructor) AddDestructor(d Destructor) {
	*m = append(*m, d)
}

func (m MultiDestructor) Destroy() {
	for i := len(m) - 1; i >= 0; i-- {
		m[i].Destroy()
	}
}
