package config

import (
	"log"
	"os"
	"strconv"
)

// Get returns the value of the environment variable or the fallback when unset.
func Get(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetRequired returns the value of the environment variable or an empty string
// when unset. Callers decide whether an empty value is fatal.
func GetRequired(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		log.Printf("Required environment variable %s is not set", key)
	}
	return value
}

func GetInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
