package main

import "github.com/jenilv-icpl/slips-sdk/internal/cmd"

func main() {
	cmd.Execute()
}
