package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// source is the layered key lookup used by Load: explicit map, then process env, then dotenv.
type source struct {
	explicit map[string]string
	system   bool
	dotenv   map[string]string
}

func newSource(o loaderOptions) (source, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return source{}, err
	}
	return source{explicit: o.envMap, system: o.useSystemEnv, dotenv: dotenv}, nil
}

func (s source) lookup(key string) string {
	if v, ok := s.explicit[key]; ok {
		return strings.TrimSpace(v)
	}
	if s.system {
		if v, ok := os.LookupEnv(key); ok {
			return strings.TrimSpace(v)
		}
	}
	return strings.TrimSpace(s.dotenv[key])
}

// snapshot flattens every layer, lowest precedence first.
func (s source) snapshot() map[string]string {
	out := make(map[string]string, len(s.dotenv)+len(s.explicit))
	for k, v := range s.dotenv {
		out[k] = v
	}
	if s.system {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				out[k] = v
			}
		}
	}
	for k, v := range s.explicit {
		out[k] = v
	}
	return out
}

func (s source) str(key, fallback string) string {
	if v := s.lookup(key); v != "" {
		return v
	}
	return fallback
}

func (s source) lower(key, fallback string) string { return strings.ToLower(s.str(key, fallback)) }

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.lookup(key)); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.lookup(key)); err == nil {
		return n
	}
	return fallback
}

func (s source) flag(key string, fallback bool) bool {
	switch strings.ToLower(s.lookup(key)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// pairs parses "a=x, b=y" with lowercased keys.
func (s source) pairs(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range strings.Split(s.lookup(key), ",") {
		k, v, ok := strings.Cut(entry, "=")
		k, v = strings.ToLower(strings.TrimSpace(k)), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// readDotEnv parses KEY=VALUE lines; a missing file yields no values.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			values[key] = strings.Trim(strings.TrimSpace(value), `"'`)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
