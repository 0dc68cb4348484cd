// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pacing implements the typewriter buffer used for streamed output.
//
// Network fragments arrive in bursts; the Buffer smooths them into a steady
// reveal of one rune (or a fixed slice) per tick, default every 16ms.
//
// # Usage
//
//	buf := pacing.New(pacing.Options{})
//	defer buf.Stop()
//	buf.Enqueue("Hello")
//	buf.End()
//	for !buf.Drained() {
//	    <-buf.C()
//	    if buf.Tick() {
//	        render(buf.Visible())
//	    }
//	}
package pacing
