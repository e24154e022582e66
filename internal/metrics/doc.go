// Copyright 2026 Spiralverse Authors. All rights reserved.
// Use of this source code is governed by the MIT license that can be
// found in the LICENSE file.

/*
Package metrics exposes fleet activity as Prometheus metrics.

# Overview

Collector registers every metric on the registerer it is given, so tests
and embedders can use a private registry while the daemon uses the
default one. It is fed in two ways: Handle subscribes to the fleet event
bus and turns lifecycle events into counters and gauges, and the Record
methods are called directly by the HTTP server and the audit journal.

# Metrics

  - Tasks: lifecycle transitions by type, terminal failures by reason,
    assignment outcomes and the candidate count per assignment.
  - Governance: resolved sessions by outcome and votes by choice.
  - Agents: status transitions and security alerts.
  - Swarms: mean nu and aggregate coherence per swarm.
  - HTTP and journal: request counts and latencies.
*/
package metrics
