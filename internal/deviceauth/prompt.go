package deviceauth

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// KeyPrompter asks the user for an encryption key. An empty answer keeps the current key.
type KeyPrompter interface {
	PromptKey(out io.Writer) (string, error)
}

// TerminalPrompter reads the key without echo when input is a terminal and as a plain line
// otherwise, so the flow also works with piped input.
type TerminalPrompter struct {
	Input *os.File
}

// PromptKey implements KeyPrompter.
func (p TerminalPrompter) PromptKey(out io.Writer) (string, error) {
	input := p.Input
	if input == nil {
		input = os.Stdin
	}
	if _, err := fmt.Fprint(out, "Enter the encryption key from another device (base64 or mnemonic), or press Enter to keep the current key: "); err != nil {
		return "", err
	}

	if term.IsTerminal(int(input.Fd())) {
		secret, err := term.ReadPassword(int(input.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("deviceauth: read key: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}
	return readLine(bufio.NewReader(input))
}

// LinePrompter reads the key as a single line from Reader.
type LinePrompter struct {
	Reader io.Reader
}

// PromptKey implements KeyPrompter.
func (p LinePrompter) PromptKey(out io.Writer) (string, error) {
	if _, err := fmt.Fprint(out, "Encryption key (empty to keep): "); err != nil {
		return "", err
	}
	return readLine(bufio.NewReader(p.Reader))
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("deviceauth: read key: %w", err)
	}
	return strings.TrimSpace(line), nil
}
