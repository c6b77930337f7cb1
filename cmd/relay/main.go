package main

import (
	"context"
	"os"

	"github.com/rudransh-shrivastava/peerdrop/internal/client/cmd"
	"github.com/rudransh-shrivastava/peerdrop/internal/config"
	"github.com/rudransh-shrivastava/peerdrop/internal/logger"
)

// The relay binary takes no flags; PEERDROP_CONFIG names an optional
// config file and PEERDROP_* variables override single keys.
func main() {
	cfg, err := config.Load(os.Getenv("PEERDROP_CONFIG"))
	if err != nil {
		logger.NewLogger().Fatal(err)
	}

	log := logger.New(os.Stdout, cfg.Log.Level)
	if err := cmd.RunRelay(context.Background(), cfg, log); err != nil {
		log.Fatal(err)
	}
}
