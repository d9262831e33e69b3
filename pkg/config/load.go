package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/DrSkyle/cigraph/pkg/cmdb"
)

// EnvPrefix namespaces environment overrides: CIGRAPH_STORE_DRIVER=sqlite.
const EnvPrefix = "CIGRAPH"

// Load layers defaults, the YAML file at path (optional), CIGRAPH_* env vars
// and any flags bound by name (api.addr, store.driver, ...), then validates.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	defaults := map[string]any{}
	if err := mapstructure.Decode(cfg, &defaults); err != nil {
		return cfg, fmt.Errorf("failed to flatten defaults: %w", err)
	}
	setDefaults(v, "", defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return cfg, fmt.Errorf("%w: config file %s not found", cmdb.ErrConfigInvalid, path)
			}
			return cfg, fmt.Errorf("%w: failed to read %s: %v", cmdb.ErrConfigInvalid, path, err)
		}
	}

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if v.IsSet(f.Name) || strings.Contains(f.Name, ".") {
				if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
					bindErr = err
				}
			}
		})
		if bindErr != nil {
			return cfg, bindErr
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", cmdb.ErrConfigInvalid, err)
	}
	return cfg, cfg.Validate()
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}
