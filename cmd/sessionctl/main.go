// Command sessionctl is the operator CLI for the coaching platform: migrations, lock
// cleanup, capacity inspection and provider webhook registration.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
