package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"wirebot/internal/infra/config"
)

// runEncrypt reads one secret line from in and writes its enc: form to out.
func runEncrypt(in io.Reader, out io.Writer) error {
	passphrase := os.Getenv("WIREBOT_CONFIG_KEY")
	if passphrase == "" {
		return errNoPassphrase
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}

	enc, err := config.EncryptValue(secret, passphrase)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "enc:%s\n", enc)
	return err
}
