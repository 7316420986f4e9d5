package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/votaryx/backend/internal/crypto"
	"golang.org/x/term"
)

var (
	// Global flags
	keyFile    string
	polyFile   string
	outputFile string
	force      bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "seal":
		sealCmd(args)
	case "verify":
		verifyCmd(args)
	case "inspect":
		inspectCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("guardiankey - Votaryx Guardian Credential Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guardiankey seal [flags]     - Encrypt guardian key material into a credential blob")
	fmt.Println("  guardiankey verify [flags]   - Check that a passphrase opens a credential blob")
	fmt.Println("  guardiankey inspect [flags]  - Show blob metadata without decrypting")
	fmt.Println()
	fmt.Println("Run 'guardiankey <command> -h' for command-specific help")
}

func sealCmd(args []string) {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	fs.StringVar(&keyFile, "private-key", "", "File holding the guardian private key")
	fs.StringVar(&polyFile, "polynomial", "", "File holding the guardian polynomial")
	fs.StringVar(&outputFile, "out", "credentials.json", "Output path for the credential blob")
	fs.BoolVar(&force, "force", false, "Overwrite an existing blob")
	fs.Parse(args)

	if keyFile == "" || polyFile == "" {
		fmt.Fprintln(os.Stderr, "Both -private-key and -polynomial are required")
		os.Exit(1)
	}

	privateKey, err := readMaterialFile(keyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read private key: %v\n", err)
		os.Exit(1)
	}
	polynomial, err := readMaterialFile(polyFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read polynomial: %v\n", err)
		os.Exit(1)
	}

	if !force {
		if _, err := os.Stat(outputFile); !os.IsNotExist(err) {
			fmt.Printf("%s already exists.\n", outputFile)
			fmt.Print("Overwrite? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	passphrase := promptPassphrase("Enter passphrase: ")
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "Passphrase must not be empty.")
		os.Exit(1)
	}
	if confirm := promptPassphrase("Confirm passphrase: "); confirm != passphrase {
		fmt.Fprintln(os.Stderr, "Passphrases do not match.")
		os.Exit(1)
	}

	blob, err := crypto.EncryptMaterial(&crypto.GuardianMaterial{
		PrivateKey: privateKey,
		Polynomial: polynomial,
	}, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to seal credentials: %v\n", err)
		os.Exit(1)
	}

	raw, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode blob: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outputFile, append(raw, '\n'), 0600); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write blob: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Credential blob sealed successfully!")
	fmt.Println()
	fmt.Println("Blob written to:")
	fmt.Printf("  %s\n", outputFile)
	fmt.Println()
	fmt.Println("Submit this blob with your decryption request. The backend")
	fmt.Println("keeps the decrypted material in memory only.")
}

func verifyCmd(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.StringVar(&outputFile, "blob", "credentials.json", "Credential blob to verify")
	fs.Parse(args)

	blob, err := readBlob(outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read blob: %v\n", err)
		os.Exit(1)
	}

	passphrase := promptPassphrase("Enter passphrase: ")
	if _, err := crypto.DecryptMaterial(blob, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Passphrase opens the blob.")
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	fs.StringVar(&outputFile, "blob", "credentials.json", "Credential blob to inspect")
	fs.Parse(args)

	blob, err := readBlob(outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read blob: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Credential Blob:")
	fmt.Printf("  Version:    %d\n", blob.Version)
	fmt.Printf("  Salt:       %s\n", blob.Salt)
	fmt.Printf("  Nonce:      %s\n", blob.Nonce)
	fmt.Printf("  Ciphertext: %d bytes (base64)\n", len(blob.Ciphertext))
}

func promptPassphrase(prompt string) string {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
		os.Exit(1)
	}
	return string(raw)
}

func readMaterialFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return "", fmt.Errorf("%s is empty", path)
	}
	return s, nil
}

func readBlob(path string) (*crypto.CredentialBlob, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var blob crypto.CredentialBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("not a credential blob: %w", err)
	}
	return &blob, nil
}
