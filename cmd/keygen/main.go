package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/keygen/main.go <key-id>")
		fmt.Println("Generates an Ed25519 key pair for signing OCPP messages")
		os.Exit(1)
	}

	keyID := os.Args[1]
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
		os.Exit(1)
	}
	seed := hex.EncodeToString(priv.Seed())
	public := hex.EncodeToString(pub)

	fmt.Printf("Key ID: %s\n", keyID)
	fmt.Printf("Public key: %s\n", public)
	fmt.Println("\nAdd this to the config.yaml of the signing node:")
	fmt.Printf("  signing:\n")
	fmt.Printf("    keys:\n")
	fmt.Printf("      - key_id: \"%s\"\n", keyID)
	fmt.Printf("        private_key: \"${OCPP_SIGNING_KEY}\"\n")
	fmt.Printf("\nand export OCPP_SIGNING_KEY=%s\n", seed)
	fmt.Println("\nPeers that verify its messages add:")
	fmt.Printf("  signing:\n")
	fmt.Printf("    trusted:\n")
	fmt.Printf("      - key_id: \"%s\"\n", keyID)
	fmt.Printf("        public_key: \"%s\"\n", public)
}
