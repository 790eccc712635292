// Copyright (c) relaygate Authors.
// Licensed under the MIT License.

/*
Package main provides the relaygate executable entry point.

# Overview

cmd/relaygate wires every internal/ package into a running proxy
process: it loads configuration, opens the store (running migrations
as a side effect), constructs the Pricing Catalog, Token Manager,
Rate-Limit Tracker, Strategy Engine, Provider Registry, Event Bus,
Auth Gate, Dispatcher, and HTTP router, then serves on two ports (API
and Prometheus metrics) until a shutdown signal arrives.

There are no package-level singletons: every dependency is constructed
once in runServe and passed explicitly to the component that needs it.

# Subcommands

  - serve    start the API and metrics servers
  - migrate  run pending database migrations and exit
  - version  print build version information
  - health   probe a running instance's /health endpoint
*/
package main
