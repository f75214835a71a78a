// Command conveyor runs the conveyor API, dispatcher and scheduler.
package main

import "github.com/nimburion/conveyor/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{Name: "conveyor"}))
}
