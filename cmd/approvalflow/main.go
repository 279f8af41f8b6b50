package main

import (
	"fmt"
	"os"

	"github.com/petrijr/approvalflow/internal/cli"
)

func main() {
	if err := cli.NewApprovalflowCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
