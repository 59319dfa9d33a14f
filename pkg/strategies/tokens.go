/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: tokens.go
Description: Dictionary support for simfuzz. Loads tokens from AFL dictionary files or YAML
token lists and splices them into inputs.
*/

package strategies

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"gopkg.in/yaml.v3"
)

// tokenFile is the YAML dictionary layout
type tokenFile struct {
	Tokens []string `yaml:"tokens"`
}

// LoadTokens reads every dictionary file. Files ending in .yaml or .yml hold a token list,
// anything else is parsed as an AFL dictionary.
func LoadTokens(paths []string) ([][]byte, error) {
	var tokens [][]byte
	seen := make(map[string]bool)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dictionary %s: %w", path, err)
		}

		var parsed [][]byte
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			var f tokenFile
			if err := yaml.Unmarshal(data, &f); err != nil {
				return nil, fmt.Errorf("failed to parse dictionary %s: %w", path, err)
			}
			for _, t := range f.Tokens {
				parsed = append(parsed, []byte(t))
			}
		default:
			parsed, err = ParseDictionary(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse dictionary %s: %w", path, err)
			}
		}

		for _, t := range parsed {
			if len(t) == 0 || seen[string(t)] {
				continue
			}
			seen[string(t)] = true
			tokens = append(tokens, t)
		}
	}
	return tokens, nil
}

// ParseDictionary parses AFL dictionary syntax: one optionally named, quoted token per line
// with \xNN, \\ and \" escapes. Blank lines and # comments are skipped.
func ParseDictionary(data []byte) ([][]byte, error) {
	var tokens [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		open := strings.IndexByte(text, '"')
		if open < 0 || !strings.HasSuffix(text, `"`) || open == len(text)-1 {
			return nil, fmt.Errorf("line %d: token must be quoted", line)
		}
		token, err := unescapeToken(text[open+1 : len(text)-1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		tokens = append(tokens, token)
	}
	return tokens, scanner.Err()
}

func unescapeToken(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("dangling escape")
		}
		switch s[i] {
		case '\\', '"':
			out = append(out, s[i])
		case 'x':
			if i+2 >= len(s) {
				return nil, fmt.Errorf("short hex escape")
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad hex escape %q", s[i+1:i+3])
			}
			out = append(out, byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return out, nil
}

// TokenMutator overwrites or inserts dictionary tokens
type TokenMutator struct {
	tokens [][]byte
	rng    *rand.Rand
}

// NewTokenMutator creates a token mutator
func NewTokenMutator(tokens [][]byte, rng *rand.Rand) *TokenMutator {
	return &TokenMutator{tokens: tokens, rng: rng}
}

// Mutate places one token at a random offset
func (m *TokenMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	if len(m.tokens) == 0 {
		return derive(testCase, clone(testCase.Data), m.Name()), nil
	}
	token := m.tokens[m.rng.Intn(len(m.tokens))]
	data := testCase.Data
	off := m.rng.Intn(len(data) + 1)

	var out []byte
	if m.rng.Intn(2) == 0 && off+len(token) <= len(data) {
		out = clone(data)
		copy(out[off:], token)
	} else {
		out = make([]byte, 0, len(data)+len(token))
		out = append(out, data[:off]...)
		out = append(out, token...)
		out = append(out, data[off:]...)
	}
	child := derive(testCase, out, m.Name())
	child.Metadata["token"] = string(token)
	return child, nil
}

// Name returns the name of this mutator
func (m *TokenMutator) Name() string {
	return "TokenMutator"
}

// Description returns a description of this mutator
func (m *TokenMutator) Description() string {
	return "Overwrites or inserts dictionary tokens"
}
