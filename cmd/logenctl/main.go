// logenctl - Logen operator command line
package main

import (
	"github.com/joho/godotenv"

	"github.com/logen-app/logen/internal/cli"
	"github.com/logen-app/logen/internal/config"
)

func main() {
	_ = godotenv.Load()
	cli.Execute(config.Load)
}
