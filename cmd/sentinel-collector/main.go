package main

import (
	"flag"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/trinnode/Sentinel/collector"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	if *configFile != "" {
		os.Setenv("COLLECTOR_CONFIG_FILE", *configFile)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := collector.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	server, err := collector.NewServer(log, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to create collector server")
	}

	log.Info("Sentinel collector starting...")

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("collector server error")
	}
}
