// Package utils
package utils

import (
	"io"
	"log"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

// GetLogger returns the process-wide logger. Lines go to the log file and,
// when COINFLIP_LOG_STDERR is set, to stderr as well.
func GetLogger() *logrus.Logger {
	once.Do(func() {
		file, err := os.OpenFile("coinflip-core.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}

		logger = logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		if os.Getenv("COINFLIP_LOG_STDERR") != "" {
			logger.SetOutput(io.MultiWriter(file, os.Stderr))
		} else {
			logger.SetOutput(file)
		}
	})
	return logger
}
