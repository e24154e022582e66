// Copyright (c) Spiralverse Authors.
// Licensed under the MIT License.

/*
Package types holds the shared, dependency-free type contracts of the fleet
orchestration engine.

# Overview

types sits at the bottom of the package graph. The directory, dispatcher,
governance engine and swarm coordinator all speak in these closed enums so that
status, tier and capability values can never be arbitrary strings.

# Core types

  - TrustVector: fixed six-facet trust vector in [0,1]^6
  - TrustLevel: derived trust classification (high / medium / low / critical)
  - Tier: governance tier ladder (read_only … destructive)
  - Capability: closed capability enumeration
  - AgentStatus / TaskStatus / SessionStatus: lifecycle states
  - Priority: task priority (critical > high > medium > low)
  - VoteChoice: roundtable ballot (approve / reject / abstain)
  - Dimension: flux dimensional label (full / partial / minimal / collapsed)
  - Optional[T]: explicit presence/absence wrapper
  - Error / ErrorCode: structured error with reason code and retryable flag
*/
package types
