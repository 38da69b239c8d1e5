package main

import (
	"os"

	"github.com/EternityForest/Acorns/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
