// Package dotenv loads KEY=VALUE files into the process environment.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type pair struct {
	key   string
	value string
}

// Load applies each file in order. Variables already present in the
// environment, or set by an earlier file, win. Missing files are skipped.
func Load(paths ...string) error {
	for _, path := range paths {
		if err := LoadFile(path); err != nil {
			return err
		}
	}
	return nil
}

// LoadFile loads one dotenv-style file. Existing environment variables are
// preserved.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	pairs, err := parse(file)
	if err != nil {
		return fmt.Errorf("read env file %q: %w", path, err)
	}
	for _, p := range pairs {
		if _, exists := os.LookupEnv(p.key); exists {
			continue
		}
		if err := os.Setenv(p.key, p.value); err != nil {
			return fmt.Errorf("set env %q from %q: %w", p.key, path, err)
		}
	}
	return nil
}

func parse(r io.Reader) ([]pair, error) {
	var out []pair
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		out = append(out, pair{key: key, value: value(strings.TrimSpace(raw))})
	}
	return out, scanner.Err()
}

// value unquotes raw. Double-quoted values expand \n, \t, \" and \;
// single-quoted values are literal; unquoted values end at " #".
func value(raw string) string {
	if len(raw) >= 2 {
		switch q := raw[0]; q {
		case '\'', '"':
			if end := strings.LastIndexByte(raw, q); end > 0 {
				inner := raw[1:end]
				if q == '"' {
					return unescape(inner)
				}
				return inner
			}
		}
	}
	if i := strings.Index(raw, " #"); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimSpace(raw)
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case '"', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
