package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/pactmesh/pact/internal/identity"
)

func main() {
	save := flag.String("save", "", "Keystore directory to write the identity to (default: print only)")
	flag.Parse()

	id, err := identity.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key generation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("DID:                  %s\n", id.DID)
	fmt.Printf("Public key (base64):  %s\n", base64.StdEncoding.EncodeToString(id.PublicKey))
	fmt.Printf("Seed (base64):        %s\n", base64.StdEncoding.EncodeToString(id.PrivateKey.Seed()))

	if *save != "" {
		if err := id.Save(*save); err != nil {
			fmt.Fprintf(os.Stderr, "Keystore write failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved to:             %s\n", *save)
	}
}
