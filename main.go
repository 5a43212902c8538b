package main

import "github.com/mselser95/pool-settler/cmd"

func main() {
	cmd.Execute()
}
