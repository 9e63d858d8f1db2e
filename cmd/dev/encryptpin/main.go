package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cqp-go/siteagent/internal/security"
)

// encryptpin reads an HSM pin from stdin and writes its AES-GCM ciphertext
// to the path given as argv[1], the pin-source file a pkcs11: URL with
// pin-encrypted=1 expects. ENCRYPTION_KEY must match the value the running
// site-agent process uses to decrypt it.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: encryptpin <pin-source-path>")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	pin, err := reader.ReadString('\n')
	if err != nil && pin == "" {
		fmt.Fprintf(os.Stderr, "read pin: %v\n", err)
		os.Exit(1)
	}
	pin = strings.TrimSpace(pin)

	crypto, err := security.NewCryptoService()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init crypto service: %v\n", err)
		os.Exit(1)
	}

	ciphertext, err := crypto.Encrypt(pin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt pin: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(os.Args[1], []byte(ciphertext), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "write pin source: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote encrypted pin to %s\n", os.Args[1])
}
