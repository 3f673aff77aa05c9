package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PromptPort asks for a port on out until in yields a valid one.
func PromptPort(in io.Reader, out io.Writer, question string) (int, error) {
	return promptPort(bufio.NewScanner(in), out, question)
}

func promptPort(scanner *bufio.Scanner, out io.Writer, question string) (int, error) {
	for {
		fmt.Fprintf(out, "%s: ", question)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}

		port, err := ParsePort(strings.TrimSpace(scanner.Text()))
		if err == nil {
			return port, nil
		}
		fmt.Fprintln(out, "Please enter a number between 1 and 65535.")
	}
}

// Repair prompts for every missing or invalid port or backend value,
// applies the answers to c and saves them to c.ConfigFile.
func (c *Config) Repair(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)

	if _, err := ParsePort(c.HTTPPort); err != nil {
		port, err := promptPort(scanner, out, "Enter the port number for the API server")
		if err != nil {
			return err
		}
		if err := SavePort(c.ConfigFile, port); err != nil {
			return err
		}
		c.HTTPPort = fmt.Sprint(port)
		fmt.Fprintf(out, "Port number saved to %s: %d\n", c.ConfigFile, port)
	}

	if err := ValidateBackendURL(c.Backend.URL); err != nil {
		port, err := promptPort(scanner, out, "Enter the port number for the Ollama server")
		if err != nil {
			return err
		}
		if err := SaveOllamaPort(c.ConfigFile, port); err != nil {
			return err
		}
		c.Backend.URL = BackendURLForPort(fmt.Sprint(port))
		fmt.Fprintf(out, "Ollama port number saved to %s: %d\n", c.ConfigFile, port)
	}

	return c.Validate()
}
