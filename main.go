// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// fern - streaming chat client and backend.
package main

import (
	"os"

	"github.com/jeranaias/fern/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
