// Command loadtest drives simulated users against a running matchmaker and
// gateway.
//
//   - saturate: opens N idle gateway connections and holds them
//   - match:    N pairs connect, join the queue and wait for match_found
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "match":
		runMatch(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Open N idle gateway connections")
	fmt.Println("  match       Pairs of users join the queue and wait for match_found")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
