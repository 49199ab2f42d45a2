package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/ferrydock/ferry/internal/config"
)

// readSecret reads a line without echo when stdin is a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptOverwrite asks what to do with an existing destination. The
// abort return cancels the job instead of answering.
func promptOverwrite(dest string, size int64) (choice config.OverwritePolicy, abort bool, err error) {
	fmt.Printf("\nDestination '%s' already exists (%d bytes).\n", dest, size)
	fmt.Println("What would you like to do?")
	fmt.Println("  1. Overwrite - Replace the existing entry")
	fmt.Println("  2. Skip - Leave the existing entry, mark done")
	fmt.Println("  3. Rename - Transfer under a numbered name")
	fmt.Println("  4. Abort - Cancel this transfer")
	fmt.Print("Choose [1-4]: ")

	reader := bufio.NewReader(os.Stdin)
	for {
		input, err := reader.ReadString('\n')
		if err != nil {
			return "", true, err
		}
		switch strings.TrimSpace(input) {
		case "1":
			return config.OverwriteReplace, false, nil
		case "2":
			return config.OverwriteSkip, false, nil
		case "3":
			return config.OverwriteRename, false, nil
		case "4":
			return "", true, nil
		default:
			fmt.Print("Invalid choice, choose [1-4]: ")
		}
	}
}
