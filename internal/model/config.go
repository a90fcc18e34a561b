package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/google/shlex"

	_ "embed"
)

const (
	PolicyWaitAll   = "wait-all"
	PolicyFirstExit = "first-exit"

	DefaultDelay       = 3 * time.Second
	DefaultStopTimeout = 10 * time.Second
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version      int        `json:"version" yaml:"version"` // fixed 0 for now
	Delay        Duration   `json:"delay" yaml:"delay"`
	Policy       string     `json:"policy" yaml:"policy"` // "wait-all" | "first-exit"
	StopTimeout  Duration   `json:"stop_timeout" yaml:"stop_timeout"`
	PrefixOutput bool       `json:"prefix_output" yaml:"prefix_output"`
	Verbose      bool       `json:"verbose" yaml:"verbose"`
	Status       *Status    `json:"status,omitempty" yaml:"status,omitempty"`
	Children     []ChildCfg `json:"children,omitempty" yaml:"children,omitempty"`
}

// Status configures the optional health endpoint and heartbeat log.
type Status struct {
	Addr      string     `json:"addr,omitempty" yaml:"addr,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// Heartbeat is either a cron expression or a fixed duration, never both.
type Heartbeat struct {
	Cron     string   `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// ChildCfg describes a single supervised program.
type ChildCfg struct {
	Name    string            `json:"name,omitempty" yaml:"name,omitempty"`
	Command []string          `json:"command" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
// It mirrors the defaults of config.cue.
func DefaultConfig() Config {
	return Config{
		Version:     0,
		Delay:       Duration(DefaultDelay),
		Policy:      PolicyWaitAll,
		StopTimeout: Duration(DefaultStopTimeout),
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("supervisor.yaml", r)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// go through JSON, so Duration can use its text unmarshaler
	raw, err := unified.MarshalJSON()
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	var out Config
	if err := json.Unmarshal(raw, &out); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// Validate checks constraints which can't be expressed by the schema
// and assigns default names to children.
func (c *Config) Validate() error {
	switch c.Policy {
	case PolicyWaitAll, PolicyFirstExit:
	case "":
		c.Policy = PolicyWaitAll
	default:
		return fmt.Errorf("%w: policy %q: possible values (%s,%s)", ErrInvalidConfig, c.Policy, PolicyWaitAll, PolicyFirstExit)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: delay can't be negative", ErrInvalidConfig)
	}
	if c.StopTimeout < 0 {
		return fmt.Errorf("%w: stop_timeout can't be negative", ErrInvalidConfig)
	}

	if c.Status != nil && c.Status.Heartbeat != nil {
		hb := c.Status.Heartbeat
		switch {
		case hb.Cron != "" && hb.Duration != 0:
			return fmt.Errorf("%w: status.heartbeat: both cron and duration are set", ErrInvalidConfig)
		case hb.Cron != "":
			if _, err := ParseCron(hb.Cron); err != nil {
				return fmt.Errorf("%w: status.heartbeat.cron: %w", ErrInvalidConfig, err)
			}
		case hb.Duration <= 0:
			return fmt.Errorf("%w: status.heartbeat: both cron and duration are empty", ErrInvalidConfig)
		}
	}

	seen := make(map[string]struct{}, len(c.Children))
	for idx := range c.Children {
		child := &c.Children[idx]
		if len(child.Command) == 0 || child.Command[0] == "" {
			return fmt.Errorf("%w: children[%d]: empty command", ErrInvalidConfig, idx)
		}
		if child.Name == "" {
			child.Name = "child" + strconv.Itoa(idx+1)
		}
		if _, ok := seen[child.Name]; ok {
			return fmt.Errorf("%w: children[%d]: duplicate name %q", ErrInvalidConfig, idx, child.Name)
		}
		seen[child.Name] = struct{}{}
	}
	return nil
}

// ParseChildSpec parses a command line child spec in a form
// [name=]command arg... using shell quoting rules. The idx is zero based
// position used for a default name.
func ParseChildSpec(idx int, spec string) (ChildCfg, error) {
	fields, err := shlex.Split(spec)
	if err != nil {
		return ChildCfg{}, fmt.Errorf("invalid child spec %q: %w", spec, err)
	}
	if len(fields) == 0 {
		return ChildCfg{}, errors.New("empty child spec")
	}
	var name string
	if n, cmd, ok := strings.Cut(fields[0], "="); ok && !strings.ContainsAny(n, "/\\") {
		if n == "" || cmd == "" {
			return ChildCfg{}, fmt.Errorf("invalid child spec %q: expected name=command", spec)
		}
		name = n
		fields[0] = cmd
	}
	if name == "" {
		name = "child" + strconv.Itoa(idx+1)
	}
	return ChildCfg{
		Name:    name,
		Command: fields,
	}, nil
}
