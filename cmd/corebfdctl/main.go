// Command corebfdctl is the CLI client for the corebfd daemon.
package main

import "github.com/nthop/corebfd/cmd/corebfdctl/commands"

func main() {
	commands.Execute()
}
