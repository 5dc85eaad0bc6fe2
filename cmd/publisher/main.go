package main

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.WithField("component", "publisher")
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WithError(err).Fatal("couldn't load .env file")
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
