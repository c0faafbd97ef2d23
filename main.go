package main

import "github.com/leaseq/leaseq/cmd"

func main() {
	cmd.Execute()
}
