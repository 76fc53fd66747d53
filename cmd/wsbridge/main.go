package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"hop.computer/wsbridge/bridgeserver"
	"hop.computer/wsbridge/flags"
)

func main() {
	f, err := flags.ParseServerArgs(os.Args, os.Stderr)
	if err == pflag.ErrHelp {
		return
	} else if err != nil {
		logrus.Error(err)
		os.Exit(2)
	}
	sc, err := flags.LoadServerConfigFromFlags(f, os.Getenv)
	if err != nil {
		logrus.Fatalf("error loading config: %s", err)
	}
	log := sc.NewLogger(os.Stderr)

	s, err := bridgeserver.New(sc, log)
	if err != nil {
		log.Fatal(err)
	}
	// Failing to bind is the only fatal error once the config is valid.
	if err := s.Start(); err != nil {
		log.Fatal(err)
	}

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt, syscall.SIGTERM)
	sig := <-sch
	log.Infof("received %s, shutting down", sig)
	if err := s.Close(); err != nil {
		log.Errorf("error during shutdown: %s", err)
	}
}
