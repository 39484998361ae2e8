package main

import (
	"os"

	"github.com/iot-go-garage/pkg/config"
)

func main() {
	if err := newRootCmd(config.NewConfig()).Execute(); err != nil {
		os.Exit(1)
	}
}
