// Package main generates an encryption key for the shared Redis temporary URL
// cache. It prints the key and the config and environment settings that use it.
// Every replica sharing the cache needs the same key.
package main

import (
	"fmt"
	"log"

	"github.com/content-service/content-service/internal/crypto"
)

func main() {
	key, err := crypto.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==========================================================")
	fmt.Println("Temporary URL Cache Encryption Key")
	fmt.Println("==========================================================")
	fmt.Printf("\nKey: %s\n", key)
	fmt.Println("\n==========================================================")
	fmt.Println("config.yaml:")
	fmt.Println("==========================================================")
	fmt.Printf(`
storage:
  temp_url:
    redis:
      encryption_key: %s
`, key)
	fmt.Println("\n==========================================================")
	fmt.Printf("Environment: CS_STORAGE_TEMP_URL_REDIS_ENCRYPTION_KEY=%s\n", key)
	fmt.Println("==========================================================")
}
