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

package main
// entityd methods - print method table of account deployment

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/entity/deploy"
	"lab.nexedi.com/kirr/entity/internal/account"
)

// Methods prints table of interface methods of deployment bc.
func Methods(w io.Writer, bc *deploy.BeanContext) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "# %s\t\t\t\t\n", bc)
	fmt.Fprintf(tw, "METHOD\tBEAN METHOD\tOP\tTX\tROLES\n")
	for _, m := range bc.InterfaceMethods() {
		bm, _ := bc.MatchingBeanMethod(m)
		roles := "-"
		if len(bm.Roles) > 0 {
			roles = strings.Join(bm.Roles, ",")
		}
		fmt.Fprintf(tw, "%s\t%s%s\t%s\t%s\t%s\n", m, bm.Name, bm.Signature(), bm.Op, bm.TxType, roles)
		if pc := bm.PostCreate; pc != nil {
			fmt.Fprintf(tw, "\t+ %s%s\t%s\t\t\n", pc.Name, pc.Signature(), pc.Op)
		}
	}
	return tw.Flush()
}

const methodsSummary = "print method table of account deployment"

func methodsUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: entityd methods
Print how interface methods of account deployment map to bean methods,
together with their transaction attributes and required roles.
`)
}

func methodsMain(argv []string) {
	flags := flag.FlagSet{Usage: func() { methodsUsage(os.Stderr) }}
	flags.Init("", flag.ExitOnError)
	flags.Parse(argv[1:])

	if flags.NArg() != 0 {
		flags.Usage()
		prog.Exit(2)
	}

	bc, err := deploy.New(account.Config(account.NewMemStore()))
	if err != nil {
		prog.Fatal(err)
	}
	err = Methods(os.Stdout, bc)
	if err != nil {
		prog.Fatal(err)
	}
}
