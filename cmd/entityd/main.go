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

// Entityd is a driver program for running and inspecting entity containers.
package main

import "lab.nexedi.com/kirr/go123/prog"

var commands = prog.CommandRegistry{
	{Name: "bench", Summary: benchSummary, Usage: benchUsage, Main: benchMain},
	{Name: "methods", Summary: methodsSummary, Usage: methodsUsage, Main: methodsMain},
}

var helpTopics = prog.HelpRegistry{
	{Name: "store", Summary: "specifying account store", Text: helpStore},
	{Name: "realm", Summary: "format of security realm file", Text: helpRealm},
}

func main() {
	prog := prog.MainProg{
		Name:       "entityd",
		Summary:    "Entityd is a tool to run and inspect entity bean containers",
		Commands:   commands,
		HelpTopics: helpTopics,
	}

	prog.Main()
}
