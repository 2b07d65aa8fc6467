package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/chararch/tunepipe/internal/cli"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
