package env

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv loads .env files into the process environment. Variables already
// set in the environment win.
func LoadEnv(files ...string) {
	err := godotenv.Load(files...)

	if err != nil {
		log.Println("⚠️  No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist && value != "" {
		return value
	}
	return fallback
}

// RemoteFileName is the base name given to uploaded bundles when the transfer
// did not name one. ONEDRIVE_NAME is set per invocation,
// ONEDRIVE_DEFAULT_FILE_NAME per host.
func RemoteFileName(configured string) string {
	return GetEnv("ONEDRIVE_NAME", GetEnv("ONEDRIVE_DEFAULT_FILE_NAME", configured))
}
