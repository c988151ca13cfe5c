// Command taskmesh decomposes a goal into tasks and runs them across LLM
// providers.
package main

import (
	"os"

	"taskmesh/pkg/logx"
)

func main() {
	err := rootCmd.Execute()
	logx.Sync()
	if err != nil {
		os.Exit(1)
	}
}
