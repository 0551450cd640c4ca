package config

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// LoadEnv reads KEY=value lines from a .env file into the process
// environment and returns the keys it set, sorted. Variables that are
// already set win over the file. A missing file is not an error.
func LoadEnv(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var applied []string
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		key, val, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if strings.ContainsAny(key, " \t") {
			return applied, fmt.Errorf("%s:%d: invalid key %q", path, lineNo, key)
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		applied = append(applied, key)
	}
	if err := scanner.Err(); err != nil {
		return applied, err
	}
	sort.Strings(applied)
	return applied, nil
}

func parseEnvLine(line string) (string, string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if len(val) >= 2 {
		if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
			return key, val[1 : len(val)-1], true
		}
	}
	// unquoted values may carry a trailing comment
	if i := strings.Index(val, " #"); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return key, val, true
}
