// Package authorized implements the first-run authorization gate: code
// generation, the code-list file, and the marker file that carries the
// ambient auth code identifying the current user for the process lifetime.
package authorized

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
)

const codeCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_+-=[]{}|;:,.<>?"

// DefaultCodeLength matches the codes historically handed out to users.
const DefaultCodeLength = 16

const (
	markerPrefix = "Authorized = 「"
	markerSuffix = "」"
)

// ErrNotAuthorized is returned when no valid marker file exists yet.
var ErrNotAuthorized = errors.New("authorized: no authorization marker found")

// GenerateCode produces a random authorization code of the given length.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}

	var sb strings.Builder
	max := big.NewInt(int64(len(codeCharset)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("authorized: generate code: %w", err)
		}
		sb.WriteByte(codeCharset[n.Int64()])
	}
	return sb.String(), nil
}

// AppendCode adds a code to the code-list file, creating it if needed.
func AppendCode(path, code string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("authorized: create code dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("authorized: open code file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(code + "\n"); err != nil {
		return fmt.Errorf("authorized: write code: %w", err)
	}
	return nil
}

// LoadCodes reads the code-list file, one code per line.
func LoadCodes(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("authorized: read code file: %w", err)
	}

	var codes []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			codes = append(codes, line)
		}
	}
	return codes, nil
}

// Verify reports whether code appears in the preset code list.
func Verify(code string, codes []string) bool {
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// WriteMarker records a successful authorization so the gate is skipped on
// later runs.
func WriteMarker(path, code string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("authorized: create marker dir: %w", err)
	}
	content := markerPrefix + code + markerSuffix
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("authorized: write marker: %w", err)
	}
	return nil
}

// ReadMarker returns the auth code stored in the marker file, or
// ErrNotAuthorized when the marker is missing or unparseable.
func ReadMarker(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotAuthorized
		}
		return "", fmt.Errorf("authorized: read marker: %w", err)
	}

	content := string(raw)
	start := strings.Index(content, markerPrefix)
	if start < 0 {
		return "", ErrNotAuthorized
	}
	rest := content[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end < 0 {
		return "", ErrNotAuthorized
	}
	code := rest[:end]
	if code == "" {
		return "", ErrNotAuthorized
	}
	return code, nil
}
