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
// routines common to several subcommands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lab.nexedi.com/kirr/entity/internal/log"

	_ "net/http/pprof"
)

// serveHTTP serves metrics from reg at /metrics on laddr until ctx is canceled.
//
// Everything else is handled by default HTTP mux, which can be assumed to
// contain /debug/pprof and the like.
func serveHTTP(ctx context.Context, laddr string, reg *prometheus.Registry) error {
	l, err := net.Listen("tcp", laddr)
	if err != nil {
		return err
	}
	log.Infof(ctx, "serving metrics at http://%s/metrics ...", l.Addr())
	log.Flush()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", http.DefaultServeMux)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			srv.Close()
		case <-done:
		}
	}()
	defer close(done)

	err = srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		err = ctx.Err()
	}
	return err
}
