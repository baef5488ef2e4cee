package gauchebuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"github.com/spf13/viper"
	"mvdan.cc/sh/v3/shell"
)

const (
	// AppName is used for the config directory and workspace names.
	AppName = "gauche-build"
	// EnvPrefix prefixes every tool-specific environment variable.
	EnvPrefix = "GAUCHE_BUILD"

	defaultMakeOpts = "-j 2"
)

// Config is the explicit configuration of one run. It is built once by
// LoadConfig and never re-read from the environment afterwards.
type Config struct {
	CachePath      string
	MirrorURL      string
	SkipMirror     bool
	BuildPath      string
	TmpDir         string
	DefinitionDirs []string
	HTTPClient     string
	KeepBuildPath  bool
	KeepArchives   bool
	StrictChecksum bool
	Verbose        bool
	Debug          bool
	Make           string
	CC             string
	S3             S3Options

	// Env holds the process environment merged over the [env] table of the
	// config file. Child processes inherit it.
	Env map[string]string
	// Lists holds list-valued variables from the config file
	// (e.g. GAUCHE_CONFIGURE_OPTS_ARRAY).
	Lists map[string][]string
}

// ConfigDir returns $XDG_CONFIG_HOME/gauche-build, defaulting to
// ~/.config/gauche-build.
func ConfigDir() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, AppName), nil
}

// LoadConfig reads the optional TOML config file at path (or the default
// location when path is empty) and layers the environment over it.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("tmpdir", os.TempDir())
	v.SetDefault("make", "make")
	v.SetDefault("skip_mirror", false)
	v.SetDefault("keep_build_path", false)
	v.SetDefault("keep_archives", false)
	v.SetDefault("strict_checksum", false)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if dir, err := ConfigDir(); err == nil {
		v.SetConfigName("config")
		v.AddConfigPath(dir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// These are conventional names without our prefix.
	_ = v.BindEnv("tmpdir", "TMPDIR")
	_ = v.BindEnv("make", "MAKE")
	_ = v.BindEnv("cc", "CC")

	cfg := &Config{
		CachePath:      v.GetString("cache_path"),
		MirrorURL:      strings.TrimRight(v.GetString("mirror_url"), "/"),
		SkipMirror:     v.GetBool("skip_mirror"),
		BuildPath:      v.GetString("build_path"),
		TmpDir:         v.GetString("tmpdir"),
		DefinitionDirs: splitPathList(v.GetString("definitions")),
		HTTPClient:     v.GetString("http_client"),
		KeepBuildPath:  v.GetBool("keep_build_path"),
		KeepArchives:   v.GetBool("keep_archives"),
		StrictChecksum: v.GetBool("strict_checksum"),
		Verbose:        v.GetBool("verbose"),
		Debug:          v.GetBool("debug"),
		Make:           v.GetString("make"),
		CC:             v.GetString("cc"),
		S3: S3Options{
			Endpoint:  v.GetString("s3.endpoint"),
			Region:    v.GetString("s3.region"),
			AccessKey: v.GetString("s3.access_key_id"),
			SecretKey: v.GetString("s3.secret_access_key"),
		},
		Env:            make(map[string]string),
		Lists:          make(map[string][]string),
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	cfg.TmpDir = strings.TrimRight(cfg.TmpDir, "/")
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/"
	}

	// Config file values first so the environment wins.
	mergeTable(cfg, "", v.GetStringMap("env"))
	for family, raw := range v.GetStringMap("families") {
		table, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: families.%s must be a table", family)
		}
		mergeTable(cfg, PackageFamily(family)+"_", table)
	}
	for _, kv := range os.Environ() {
		if k, val, ok := strings.Cut(kv, "="); ok {
			cfg.Env[k] = val
		}
	}

	return cfg, nil
}

// mergeTable flattens a TOML table into cfg.Env / cfg.Lists, upper-casing keys.
func mergeTable(cfg *Config, prefix string, table map[string]any) {
	for key, raw := range table {
		name := prefix + strings.ToUpper(key)
		switch val := raw.(type) {
		case []any:
			list := make([]string, 0, len(val))
			for _, item := range val {
				list = append(list, fmt.Sprint(item))
			}
			cfg.Lists[name] = list
		case []string:
			cfg.Lists[name] = append([]string(nil), val...)
		default:
			cfg.Env[name] = fmt.Sprint(val)
		}
	}
}

func splitPathList(s string) []string {
	var out []string
	for _, p := range filepath.SplitList(s) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Environ returns Env as a sorted KEY=VALUE slice.
func (c *Config) Environ() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Vars exposes the configuration as a variable source for build steps.
func (c *Config) Vars() Vars {
	return &mapVars{values: c.Env, lists: c.Lists}
}

// Vars is a read-only source of tunables. A variable that is set to the
// empty string is still reported as set.
type Vars interface {
	Lookup(name string) (string, bool)
	LookupList(name string) ([]string, bool)
}

type mapVars struct {
	values map[string]string
	lists  map[string][]string
}

func (m *mapVars) Lookup(name string) (string, bool) {
	v, ok := m.values[name]
	return v, ok
}

// LookupList prefers a real list and falls back to splitting a string value
// with shell quoting rules.
func (m *mapVars) LookupList(name string) ([]string, bool) {
	if l, ok := m.lists[name]; ok {
		return l, true
	}
	if s, ok := m.values[name]; ok {
		fields, err := shell.Fields(s, nil)
		if err != nil {
			return strings.Fields(s), true
		}
		return fields, true
	}
	return nil, false
}

// chainVars consults each source in order.
type chainVars []Vars

func (c chainVars) Lookup(name string) (string, bool) {
	for _, v := range c {
		if s, ok := v.Lookup(name); ok {
			return s, true
		}
	}
	return "", false
}

func (c chainVars) LookupList(name string) ([]string, bool) {
	for _, v := range c {
		if l, ok := v.LookupList(name); ok {
			return l, true
		}
	}
	return nil, false
}

// PackageFamily derives the variable prefix of a package: the part of the
// name before the first hyphen, upper-cased, with anything that cannot
// appear in a variable name replaced by an underscore.
func PackageFamily(name string) string {
	base, _, _ := strings.Cut(name, "-")
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, base)
}

// familyLookup resolves family_KEY, then KEY, then def.
func familyLookup(vars Vars, family, key, def string) string {
	if v, ok := vars.Lookup(family + "_" + key); ok {
		return v
	}
	if v, ok := vars.Lookup(key); ok {
		return v
	}
	return def
}

func familyLookupList(vars Vars, family, key string) []string {
	if l, ok := vars.LookupList(family + "_" + key); ok {
		return l
	}
	l, _ := vars.LookupList(key)
	return l
}
