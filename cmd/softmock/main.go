package main

import (
	"os"

	"softmock/cmd/softmock/cmd"
)

// main 是命令行入口
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
