// Command spawnerkey hashes a spawner key for the SPAWNER_KEY_HASH
// environment variable. The master only ever stores the hash.
package main

import (
	"flag"
	"fmt"
	"log"

	"masterkit/auth"
)

func main() {
	key := flag.String("key", "", "spawner key to hash")
	flag.Parse()

	if *key == "" {
		log.Fatal("a key is required: -key <secret>")
	}

	hash, err := auth.HashKey(*key)
	if err != nil {
		log.Fatalf("Error while hashing: %v", err)
	}
	fmt.Println(hash)
}
