package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadEnvFile parses a dotenv-style file into KEY=VALUE pairs.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	return pairs(m), nil
}

func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := unquote(strings.TrimSpace(line[i+1:]))
			if k != "" {
				m[k] = v
			}
		}
	}
	return m, nil
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// ServiceEnv returns the extra environment for svc, layered as: global env
// files, global env, service env files, service env. Relative env file paths
// resolve against projectDir. ${VAR} references expand against the layers
// merged so far and then the process environment. The child inherits the
// caller's environment separately; only overrides are returned.
func (c *Config) ServiceEnv(svc ServiceConfig, projectDir string) ([]string, error) {
	m := make(map[string]string)
	apply := func(k, v string) {
		m[k] = os.Expand(v, func(name string) string {
			if val, ok := m[name]; ok {
				return val
			}
			return os.Getenv(name)
		})
	}
	load := func(files []string) error {
		for _, f := range files {
			if !filepath.IsAbs(f) && projectDir != "" {
				f = filepath.Join(projectDir, f)
			}
			kv, err := loadEnvFile(f)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(kv))
			for k := range kv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				apply(k, kv[k])
			}
		}
		return nil
	}
	list := func(env []string) {
		for _, kv := range env {
			if i := strings.IndexByte(kv, '='); i > 0 {
				apply(kv[:i], kv[i+1:])
			}
		}
	}

	if err := load(c.EnvFiles); err != nil {
		return nil, err
	}
	list(c.Env)
	if err := load(svc.EnvFiles); err != nil {
		return nil, err
	}
	list(svc.Env)
	return pairs(m), nil
}

func pairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
