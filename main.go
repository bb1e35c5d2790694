package main

import "github.com/nik-popov/site-traffic-globe/cmd"

func main() {
	cmd.Execute()
}
