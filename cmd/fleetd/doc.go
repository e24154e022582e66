// Copyright 2026 Spiralverse Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Command fleetd runs the fleet engine as a daemon.

# Commands

  - serve    load config, build the engine, run its scheduler and the
    operational HTTP listener until SIGINT or SIGTERM
  - migrate  create or update the audit journal schema
  - health   check a running daemon's /healthz endpoint
  - version  print build information

# Endpoints

The operational listener serves /healthz (store and journal
reachability), /status (fleet summary as JSON) and /metrics
(Prometheus). Requests pass through Recovery, RequestID, RequestLogger,
MetricsMiddleware and OTelTracing.
*/
package main
