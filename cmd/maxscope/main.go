package main

import (
	"fmt"
	"os"

	"github.com/go-maxine/maxscope/cmd/maxscope/cmds"
	"github.com/go-maxine/maxscope/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.MaxscopeVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
