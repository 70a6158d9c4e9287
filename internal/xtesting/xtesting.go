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

// Package xtesting provides infrastructure for entity container testing.
package xtesting

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

// FatalIf returns function that fails the test if its argument is an error.
//
// use like this:
//
//	X := xtesting.FatalIf(t)
//	err := ...; X(err)
func FatalIf(t testing.TB) func(error) {
	return func(err error) {
		if err != nil {
			t.Helper()
			t.Fatal(err)
		}
	}
}

// NeedDSN returns data source name for database/sql driver taken from
// environment variable env.
//
// The test is skipped if env is not set. For example
//
//	dsn := xtesting.NeedDSN(t, "ENTITY_TEST_MYSQL")
func NeedDSN(t testing.TB, env string) string {
	dsn := os.Getenv(env)
	if dsn == "" {
		t.Skipf("skipping: $%s is not set", env)
	}
	return dsn
}

// Journal records events in the order they happen.
//
// It is safe to use Journal from multiple goroutines simultaneously.
type Journal struct {
	mu     sync.Mutex
	eventv []string
}

// Add appends formatted event to the journal.
func (j *Journal) Add(format string, argv ...interface{}) {
	event := fmt.Sprintf(format, argv...)
	j.mu.Lock()
	j.eventv = append(j.eventv, event)
	j.mu.Unlock()
}

// Events returns copy of all events recorded so far.
func (j *Journal) Events() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.eventv...)
}

// Take returns recorded events and clears the journal.
func (j *Journal) Take() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	eventv := j.eventv
	j.eventv = nil
	return eventv
}

// Expect verifies that journal recorded exactly wantv since previous
// Take or Expect and clears it.
func (j *Journal) Expect(t testing.TB, wantv ...string) {
	t.Helper()
	havev := j.Take()
	if len(havev) == 0 && len(wantv) == 0 {
		return
	}
	if diff := pretty.Compare(havev, wantv); diff != "" {
		t.Fatalf("journal: have (-) want (+):\n%s", diff)
	}
}
