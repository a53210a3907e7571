// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package core implements the orchestration core of the immp message bridge.
//
// A [Host] owns a [Registry] of named plugs (adapters to one external chat
// network), hooks (processors of the unified message stream), channels
// (named plug/source pairs) and groups (bundles of channels and plugs). It
// starts and stops those entities in dependency-safe order and supervises one
// event stream per plug.
//
// # Lifecycle
//
// Every plug and hook carries a [Lifecycle]: disabled, inactive, starting,
// active, stopping and failed. A disabled entity must be enabled before it can
// be started. Failed entities keep their last error and can be retried with a
// plain start.
//
// # Dispatch
//
// Inbound events from a plug are queued on a bounded per-plug queue and run
// through the ordered hook chain by the [Router]. Hooks with a priority run
// first in ascending order, unordered hooks run last, and registration order
// breaks ties. A hook may consume an event to stop propagation. Hook errors and
// panics are logged and counted but never abort the chain.
//
// Resource hooks are shared services. They are started before plain hooks and
// are never invoked by dispatch; other hooks reach them with [ResourceOf].
//
// # Outbound
//
// Hooks send messages with [Host.Send]. Sent message IDs are remembered so the
// echo of a relayed message is tagged with its source when the network delivers
// it back.
package core
