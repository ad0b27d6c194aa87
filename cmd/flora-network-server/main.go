package main

import "github.com/flora-lorawan/flora-network-server/cmd/flora-network-server/cmd"

var version string // set by the compiler

func main() {
	cmd.Execute(version)
}
