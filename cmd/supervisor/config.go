package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/CZERTAINLY/supervisor/internal/model"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "SUPERVISOR"

func addConfigFlags(flags *pflag.FlagSet) {
	def := model.DefaultConfig()
	flags.String("delay", def.Delay.String(), "fixed delay between two launches (3s, 250ms, PT3S)")
	flags.String("policy", def.Policy, "wait-all waits for every child, first-exit terminates the rest when one exits")
	flags.String("stop-timeout", def.StopTimeout.String(), "time terminated children get before they are killed")
	flags.String("status-addr", "", "serve /health and /status on this address, e.g. :8080")
	flags.Bool("prefix-output", false, "prefix every output line with a child name")
}

// newViper binds flags and SUPERVISOR_* environment variables
func newViper(flags *pflag.FlagSet) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(flags)
	return v
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// isSet reports if the key was given by a flag or environment variable,
// so it must override the config file
func isSet(flags *pflag.FlagSet, key string) bool {
	if f := flags.Lookup(key); f != nil && f.Changed {
		return true
	}
	_, ok := os.LookupEnv(envName(key))
	return ok
}

// overlay applies flags, environment and positional child specs on top of cfg
func overlay(flags *pflag.FlagSet, v *viper.Viper, cfg *model.Config, args []string) error {
	for _, key := range []string{"delay", "stop-timeout"} {
		if !isSet(flags, key) {
			continue
		}
		d, err := model.ParseDuration(v.GetString(key))
		if err != nil {
			return fmt.Errorf("--%s: %w", key, err)
		}
		switch key {
		case "delay":
			cfg.Delay = model.Duration(d)
		case "stop-timeout":
			cfg.StopTimeout = model.Duration(d)
		}
	}
	if isSet(flags, "policy") {
		cfg.Policy = v.GetString("policy")
	}
	if isSet(flags, "prefix-output") {
		cfg.PrefixOutput = v.GetBool("prefix-output")
	}
	if isSet(flags, "status-addr") {
		if cfg.Status == nil {
			cfg.Status = &model.Status{}
		}
		cfg.Status.Addr = v.GetString("status-addr")
	}

	if len(args) > 0 {
		children := make([]model.ChildCfg, 0, len(args))
		for idx, arg := range args {
			child, err := model.ParseChildSpec(idx, arg)
			if err != nil {
				return err
			}
			children = append(children, child)
		}
		cfg.Children = children
	}
	return cfg.Validate()
}
