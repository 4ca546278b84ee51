package main

import "github.com/MeKo-Tech/panowalk/internal/cmd"

func main() {
	cmd.Execute()
}
