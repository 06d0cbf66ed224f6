// Command rfdeploy deploys a Lua script bundle to an Ethos radio or simulator.
package main

import "github.com/bolasblack/rfdeploy/internal/cli"

func main() {
	cli.Execute()
}
