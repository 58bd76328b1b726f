// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-overcache - Realtime Query Cache Sync")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("go-overcache keeps a client query cache consistent with server-side row changes:")
	fmt.Println("change events are routed to surgical list patches or precise invalidations,")
	fmt.Println("detail records are snapshotted for offline reads, and the realtime channel")
	fmt.Println("reconnects with bounded exponential backoff.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println("   overcache  query cache, cache keys and the change router")
	fmt.Println("   overfeed   subscription manager, Postgres LISTEN/NOTIFY feed and triggers")
	fmt.Println("   oversnap   versioned offline snapshot store over a KV (SQLite or memory)")
	fmt.Println("   overquery  read-through loader with HTTP and Postgres fetchers")
	fmt.Println("   kitchen    recipe app policies, queries and the client Engine")
	fmt.Println()

	fmt.Println("📚 Example (examples/kitchen_flow/):")
	fmt.Println("   go run ./examples/kitchen_flow migrate    # schema + change triggers")
	fmt.Println("   go run ./examples/kitchen_flow serve      # JWT-protected query server")
	fmt.Println("   go run ./examples/kitchen_flow watch --kitchen k1")
	fmt.Println("   go run ./examples/kitchen_flow simulate   # in-memory lifecycle scenarios")
	fmt.Println()
}
