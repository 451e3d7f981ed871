// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockdev translates block requests into transfers on the device
// buffer. Every request maps to exactly one blocking transfer; there is no
// caching, reordering or coalescing, hence flush has nothing to drain and
// trim has nothing to reclaim.
//
// Transfers are serialised by a proxy with a single worker which owns the
// buffer. Unmount does not touch the buffer, it only posts a stop request to
// the worker. The worker observes it between requests and refuses every
// following one. A transfer in flight is never aborted.
package blockdev
