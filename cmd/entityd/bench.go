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
// entityd bench - run account transactions through a container

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"lab.nexedi.com/kirr/go123/prog"

	"lab.nexedi.com/kirr/entity/ejb"
	"lab.nexedi.com/kirr/entity/entity"
	"lab.nexedi.com/kirr/entity/internal/account"
	"lab.nexedi.com/kirr/entity/internal/log"
	"lab.nexedi.com/kirr/entity/internal/task"
	"lab.nexedi.com/kirr/entity/security"
	"lab.nexedi.com/kirr/entity/transaction"
)

// BenchOptions configures Bench.
type BenchOptions struct {
	N       int    // transactions per worker
	Workers int    // number of concurrent workers
	User    string // principal to run transactions as
}

// BenchResult is summary of a Bench run.
type BenchResult struct {
	Committed  int64 // transactions committed
	RolledBack int64 // transactions rolled back due to insufficient funds
	Removed    int64 // accounts removed after their transaction
	Elapsed    time.Duration
	Total      int64 // sum of all balances after the run
}

func (r *BenchResult) String() string {
	n := r.Committed + r.RolledBack
	rate := float64(n) / r.Elapsed.Seconds()
	return fmt.Sprintf("%d transactions (%d committed, %d rolled back), %d removed in %s (%.1f tx/s); total %d",
		n, r.Committed, r.RolledBack, r.Removed, r.Elapsed, rate, r.Total)
}

// Bench runs opt.Workers workers each doing opt.N transactions with account
// deployment of container c.
//
// Every transaction creates an account, deposits to it and withdraws from
// it a random amount that is sometimes more than the balance. Accounts of
// committed transactions are removed afterwards.
func Bench(ctx context.Context, c *entity.Container, opt BenchOptions) (_ *BenchResult, err error) {
	defer task.Running(&ctx, "bench")(&err)

	ctx = security.WithPrincipal(ctx, opt.User)
	call := func(ctx context.Context, iface ejb.InterfaceType, name string, pk interface{}, argv ...interface{}) (interface{}, error) {
		return c.Invoke(ctx, &entity.Invocation{
			DeploymentID: account.DeploymentID,
			Method:       ejb.Method{Interface: iface, Name: name},
			Args:         argv,
			PrimaryKey:   pk,
		})
	}

	res := &BenchResult{}
	tstart := time.Now()

	wg, wctx := errgroup.WithContext(ctx)
	for w := 0; w < opt.Workers; w++ {
		w := w
		wg.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < opt.N; i++ {
				if err := wctx.Err(); err != nil {
					return err
				}

				id := fmt.Sprintf("w%d-%d", w, i)
				committed, err := benchTxn(wctx, call, id, rnd.Int63n(100), rnd.Int63n(150))
				if err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				if !committed {
					atomic.AddInt64(&res.RolledBack, 1)
					continue
				}
				atomic.AddInt64(&res.Committed, 1)

				_, err = call(wctx, ejb.Remote, "Remove", id)
				if err != nil {
					return fmt.Errorf("%s: remove: %w", id, err)
				}
				atomic.AddInt64(&res.Removed, 1)
			}
			return nil
		})
	}
	err = wg.Wait()
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(tstart)

	total, err := call(ctx, ejb.Home, "Total", nil)
	if err != nil {
		return nil, err
	}
	res.Total = total.(int64)
	return res, nil
}

type callFunc func(ctx context.Context, iface ejb.InterfaceType, name string, pk interface{}, argv ...interface{}) (interface{}, error)

// benchTxn runs one bench transaction for account id.
//
// It returns false if the transaction was rolled back due to insufficient funds.
func benchTxn(ctx context.Context, call callFunc, id string, deposit, withdraw int64) (committed bool, err error) {
	txn, ctx := transaction.New(ctx)
	defer func() {
		if err != nil && !txn.Status().Completed() {
			txn.Abort(ctx)
		}
	}()

	_, err = call(ctx, ejb.Home, "Create", nil, id, "bench", 0)
	if err != nil {
		return false, err
	}
	_, err = call(ctx, ejb.Remote, "Deposit", id, deposit+1)
	if err != nil {
		return false, err
	}
	_, err = call(ctx, ejb.Remote, "Withdraw", id, withdraw+1)
	var ferr *account.InsufficientFundsError
	if err != nil && !errors.As(err, &ferr) {
		return false, err
	}

	err = txn.Commit(ctx)
	var rerr *transaction.RollbackError
	if errors.As(err, &rerr) && ferr != nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const benchSummary = "run account transactions through entity container"

func benchUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: entityd bench [options]
Deploy account bean and run concurrent create/deposit/withdraw/remove
transactions with it. Print summary when done.

See 'entityd help store' for -db and 'entityd help realm' for -realm.

Options:

`)
}

func benchMain(argv []string) {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { benchUsage(os.Stderr); flags.PrintDefaults() }
	n := flags.Int("n", 1000, "transactions per worker")
	workers := flags.Int("workers", 8, "number of concurrent workers")
	pool := flags.Int("pool", entity.DefaultPoolSize, "max free instances kept per deployment; < 0 = unbounded")
	db := flags.String("db", "mem", "account store")
	realmPath := flags.String("realm", "", "security realm file; empty = no security checks")
	user := flags.String("user", "bench", "principal to run transactions as")
	httpAddr := flags.String("http", "", "serve /metrics and /debug/pprof on this address")
	flags.Parse(argv[1:])

	if flags.NArg() != 0 || *workers < 1 || *n < 0 {
		flags.Usage()
		prog.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err := bench(ctx, os.Stdout, *db, *realmPath, *httpAddr, &entity.Options{PoolSize: *pool},
		BenchOptions{N: *n, Workers: *workers, User: *user})
	if err != nil {
		prog.Fatal(err)
	}
}

// bench sets up container as requested and runs Bench with it.
func bench(ctx context.Context, w io.Writer, db, realmPath, httpAddr string, opt *entity.Options, bopt BenchOptions) (err error) {
	store, err := account.Open(ctx, db)
	if err != nil {
		return err
	}
	defer func() {
		err2 := store.Close()
		if err == nil {
			err = err2
		}
	}()

	wg, ctx := errgroup.WithContext(ctx)
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		err2 := wg.Wait()
		if err == nil && !errors.Is(err2, context.Canceled) {
			err = err2
		}
	}()

	if realmPath != "" {
		realm, err := security.OpenFileRealm(realmPath)
		if err != nil {
			return err
		}
		opt.Security = realm
		wg.Go(func() error {
			return realm.Watch(ctx)
		})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	opt.Metrics = entity.NewMetrics(reg)
	if httpAddr != "" {
		wg.Go(func() error {
			return serveHTTP(ctx, httpAddr, reg)
		})
	}

	c := entity.NewContainer(opt)
	log.Infof(ctx, "container %s; store %s", opt, store.URL())
	_, err = c.DeployConfig(ctx, account.Config(store))
	if err != nil {
		return err
	}

	res, err := Bench(ctx, c, bopt)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s\n", res)
	return nil
}
