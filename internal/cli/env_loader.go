package cli

import (
	"bufio"
	"os"
	"strings"
)

const envPrefix = "TUNNELRELAY_"

// loadEnvFromDotEnv exports TUNNELRELAY_* assignments from path that the
// environment does not already define. A missing file is ignored.
func loadEnvFromDotEnv(path string) {
	for key, value := range loadEnvFileValues(path) {
		if !strings.HasPrefix(key, envPrefix) || strings.TrimSpace(os.Getenv(key)) != "" {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func loadEnvFileValues(path string) map[string]string {
	values := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return values
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if key, value, ok := parseEnvAssignment(sc.Text()); ok {
			values[key] = value
		}
	}
	return values
}

// parseEnvAssignment parses one KEY=VALUE line, accepting an optional
// "export " prefix and single or double quotes around the value.
func parseEnvAssignment(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	if rest, found := strings.CutPrefix(line, "export "); found {
		line = strings.TrimSpace(rest)
	}
	key, value, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(value)), true
}

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	if q := v[0]; (q == '"' || q == '\'') && v[len(v)-1] == q {
		return v[1 : len(v)-1]
	}
	return v
}
