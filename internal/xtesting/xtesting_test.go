// Copyright (C) 2026  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

package xtesting

import (
	"sync"
	"testing"
)

func TestJournal(t *testing.T) {
	j := &Journal{}
	j.Expect(t)

	j.Add("load %s", "a")
	j.Add("store %d", 1)
	j.Expect(t, "load a", "store 1")
	j.Expect(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Add("x")
		}()
	}
	wg.Wait()
	if n := len(j.Events()); n != 10 {
		t.Fatalf("concurrent add: have %d events;  want 10", n)
	}
	if n := len(j.Take()); n != 10 {
		t.Fatalf("take: have %d events;  want 10", n)
	}
	if n := len(j.Events()); n != 0 {
		t.Fatalf("after take: have %d events;  want 0", n)
	}
}

func TestFatalIf(t *testing.T) {
	X := FatalIf(t)
	X(nil)
}
