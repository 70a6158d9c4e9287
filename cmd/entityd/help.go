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
// registry for all help topics

const helpStore =
`Accounts are kept in a store specified as

    mem                 in-memory store, lost on exit
    sqlite3:<path>      SQLite database file
    mysql:<dsn>         MySQL database, e.g. mysql:user:password@/bank
    postgres:<dsn>      PostgreSQL database, e.g. postgres:postgres://localhost/bank?sslmode=disable

The "account" table is created if it does not exist yet.

SQLite serializes writers: with sqlite3 store run bench with -workers 1.
`

const helpRealm =
`Realm file is YAML mapping of principals to their roles:

    principals:
      tina: [teller]
      max:  [teller, manager]

Withdraw requires role "teller" and Remove requires role "manager".
The file is reloaded when it changes.
`
