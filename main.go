package main

import (
	"fmt"
	"os"

	"gencodedoc/app"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version)
		os.Exit(0)
	}

	application, err := app.Bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gencodedoc: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "gencodedoc: %v\n", err)
		os.Exit(1)
	}
}
