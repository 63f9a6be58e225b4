package main

import "github.com/signalix/stepup/cmd/api/cmd"

func main() {
	cmd.Execute()
}
