package main

import "github.com/carebook/carebook/cmd/billingctl/cli"

func main() {
	cli.Execute()
}
