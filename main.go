package main

import (
	"github.com/pyneda/rodwarden/cmd"
	"github.com/pyneda/rodwarden/internal/config"
)

func main() {
	config.LoadConfig()
	cmd.Execute()
}
