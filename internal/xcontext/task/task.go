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

// Package task keeps the stack of currently running operations in a context.
//
// The container pushes a task for every invocation and every lifecycle
// callback it drives, so that log lines and errors can be prefixed with
// e.g. "account[42]: Remote.Deposit: load".
package task

import (
	"context"
	"fmt"
	"strings"

	"lab.nexedi.com/kirr/go123/xerr"
)

// Task represents currently running operation.
type Task struct {
	Parent *Task
	Name   string
}

type taskKey struct{}

// Running creates new task and returns new context with that task set to current.
func Running(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, taskKey{}, &Task{Parent: Current(ctx), Name: name})
}

// Runningf is Running cousin with formatting support.
func Runningf(ctx context.Context, format string, argv ...interface{}) context.Context {
	return Running(ctx, fmt.Sprintf(format, argv...))
}

// Current returns current task represented by context.
//
// nil is returned if there is no current task.
func Current(ctx context.Context) *Task {
	task, _ := ctx.Value(taskKey{}).(*Task)
	return task
}

// ErrContext prefixes error with the name of the current task.
//
// use it under defer:
//
//	ctx = task.Running(ctx, "load")
//	defer task.ErrContext(&err, ctx)
func ErrContext(errp *error, ctx context.Context) {
	task := Current(ctx)
	if task == nil {
		return
	}
	xerr.Context(errp, task.Name)
}

// Depth returns how many tasks are on the stack ending with t.
func (t *Task) Depth() int {
	n := 0
	for ; t != nil; t = t.Parent {
		n++
	}
	return n
}

// String returns the whole operational stack joined with ": ".
//
// nil Task is represented as "".
func (t *Task) String() string {
	namev := make([]string, t.Depth())
	for i := len(namev) - 1; t != nil; t, i = t.Parent, i-1 {
		namev[i] = t.Name
	}
	return strings.Join(namev, ": ")
}
