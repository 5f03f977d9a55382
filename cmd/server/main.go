package main

import (
	"github.com/OFFIS-RIT/align/backend/internal/server"
	"github.com/OFFIS-RIT/align/backend/internal/util"
	"github.com/OFFIS-RIT/align/backend/pkg/logger"
	"github.com/OFFIS-RIT/align/backend/pkg/logger/console"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	server.Init()
}
