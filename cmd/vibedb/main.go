package main

import (
	"fmt"
	"os"
)

var version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "version", "--version", "-v":
		fmt.Printf("vibedb %s\n", version)
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("vibedb — PostgreSQL safety proxy")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  vibedb serve       Start the proxy")
	fmt.Println("  vibedb version     Print the version")
	fmt.Println("  vibedb --help      Show this help message")
}
