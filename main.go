package main

import "github.com/ValentinKolb/urcu/cmd"

func main() {
	cmd.Execute()
}
