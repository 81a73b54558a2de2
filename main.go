// The main package for the yardwatch executable.
package main

import (
	"github.com/joho/godotenv"

	"github.com/carsandcollectibles/yardwatch/cmd"
)

// main defers all execution to the Cobra CLI. A local .env file, when
// present, supplies the tracker and notifier secrets.
func main() {
	_ = godotenv.Load()
	cmd.Execute()
}
