// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goas2 is an AS2 transport and reliability server.

It drives delivery of AS2 messages to trading partners, interprets
synchronous and asynchronous delivery receipts (MDNs), tracks message
and MDN lifecycle state in a shared store, retries failed transmissions
under a bounded policy, detects duplicate deliveries, and runs periodic
housekeeping.

The AS2 wire codec (MIME, signing, encryption, compression) is an
external collaborator described by pkg/codec. The main packages are:

  - internal/exchange: outbound orchestration and inbound dispatch
  - internal/scheduler: retry, async-MDN, and cleanup batch passes
  - internal/storage: message/MDN/partner/organization persistence
  - internal/server: the HTTP receive endpoint and send API
  - pkg/transport: the outbound HTTP client

See cmd/as2server for the server binary.
*/
package goas2
