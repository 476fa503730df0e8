// Package ccpconfig loads the prover's TOML configuration file and layers
// CCP_<SECTION>_<NAME> environment overrides on top, mirroring the
// teacher's file-then-flag/env configuration layering idiom.
package ccpconfig

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type RPCEndpoint struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type Logs struct {
	Format string `toml:"format"` // "terminal" or "json"
	Level  string `toml:"level"`
}

type Optimizations struct {
	RandomXFlags []string `toml:"randomx-flags"`
	MSREnabled   bool     `toml:"msr-enabled"`
	CachePolicy  string   `toml:"cache-policy"` // "default" or "aggressive"
}

type Workers struct {
	ThreadsPerPhysicalCore int   `toml:"threads-per-physical-core"`
	Cores                  []int `toml:"cores"`
}

// Config is the full recognized configuration surface (spec §6).
type Config struct {
	RPCEndpoint   RPCEndpoint   `toml:"rpc-endpoint"`
	StateDir      string        `toml:"state-dir"`
	ProofsDir     string        `toml:"proofs-dir"`
	Logs          Logs          `toml:"logs"`
	Optimizations Optimizations `toml:"optimizations"`
	Workers       Workers       `toml:"workers"`
	UtilityCores  []int         `toml:"utility-cores"`
}

// Default returns the built-in defaults applied before the TOML file and
// environment overrides are layered on top.
func Default() Config {
	return Config{
		RPCEndpoint: RPCEndpoint{Host: "127.0.0.1", Port: 9383},
		StateDir:    "./state",
		ProofsDir:   "./proofs",
		Logs:        Logs{Format: "terminal", Level: "info"},
		Optimizations: Optimizations{
			RandomXFlags: []string{"HARD_AES", "JIT"},
			MSREnabled:   false,
			CachePolicy:  "default",
		},
		Workers: Workers{ThreadsPerPhysicalCore: 1},
	}
}

// Load reads path (if it exists), applying defaults for anything absent,
// then applies CCP_<SECTION>_<NAME> environment overrides, case-insensitive
// with hyphens preserved in names.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("ccpconfig: decode %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("ccpconfig: stat %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the config struct tree and, for every
// toml-tagged leaf field, checks for a CCP_<SECTION>_<NAME> environment
// variable (section = the enclosing struct's own tag chain, uppercased,
// hyphens preserved; name = the field's own tag).
func applyEnvOverrides(cfg *Config) error {
	return walk(reflect.ValueOf(cfg).Elem(), nil)
}

func walk(v reflect.Value, path []string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("toml")
		if tag == "" {
			continue
		}
		fv := v.Field(i)
		childPath := append(append([]string{}, path...), tag)
		if fv.Kind() == reflect.Struct {
			if err := walk(fv, childPath); err != nil {
				return err
			}
			continue
		}
		envName := "CCP_" + strings.ToUpper(strings.Join(childPath, "_"))
		raw, ok := os.LookupEnv(envName)
		if !ok {
			for _, kv := range os.Environ() {
				if k, v, found := strings.Cut(kv, "="); found && strings.EqualFold(k, envName) {
					raw, ok = v, true
					break
				}
			}
		}
		if !ok {
			continue
		}
		if err := setFromString(fv, raw); err != nil {
			return fmt.Errorf("ccpconfig: env %s: %w", envName, err)
		}
	}
	return nil
}

func setFromString(fv reflect.Value, raw string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Slice:
		parts := strings.Split(raw, ",")
		switch fv.Type().Elem().Kind() {
		case reflect.String:
			out := make([]string, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			fv.Set(reflect.ValueOf(out))
		case reflect.Int:
			out := make([]int, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(p))
				if err != nil {
					return err
				}
				out = append(out, n)
			}
			fv.Set(reflect.ValueOf(out))
		default:
			return fmt.Errorf("unsupported slice element kind %s", fv.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field kind %s", fv.Kind())
	}
	return nil
}
