// Command gclock-stress runs reclamation workloads against an in-process or
// shared GcLock and inspects shared locks.
//
//	gclock-stress run --mode defer --readers 8 --writers 8 --duration 5s
//	gclock-stress run --shared --name bench --seed 0xFFFFFFF0 --metrics-addr :9100
//	gclock-stress dump --name bench
//	gclock-stress unlink --name bench
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
