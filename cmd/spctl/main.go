// spctl is the operator CLI for service processors.
//
// Usage:
//
//	spctl discover [--publish]
//	spctl state <target>
//	spctl power get <target>
//	spctl power set <target> <A0|A1|A2>
//	spctl reset <target>
//	spctl inventory <target>
//	spctl ignition list <target>
//	spctl ignition get <target> <n>
//	spctl ignition command <target> <n> <power-on|power-off|power-reset>
//	spctl console <target> [--component name]
//	spctl update <target> <file> [--component name] [--resume-offset n --id uuid]
//	spctl sim [--sim-addr addr] [--type sled --slot n] [--advertise]
//
// A target is named by board type and slot, e.g. "sled-14". Targets are
// found by discovery unless the config file pins their address.
//
// Example:
//
//	spctl --config rack.yaml power set sled-14 A0
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
