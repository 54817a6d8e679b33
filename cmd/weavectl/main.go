package main

import (
	"os"

	"github.com/oremus-labs/aip-weave/internal/weavecli"
)

func main() {
	if err := weavecli.Execute(); err != nil {
		os.Exit(1)
	}
}
