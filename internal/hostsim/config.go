package hostsim

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hwgw.ai/internal/game"
)

// Config is the simulated world: the player, the hosts workers run on and the
// servers they target. A host may also be a server.
type Config struct {
	Player  PlayerConfig   `yaml:"player"`
	Hosts   []HostConfig   `yaml:"hosts"`
	Servers []ServerConfig `yaml:"servers"`
}

type PlayerConfig struct {
	HackLevel     int     `yaml:"hack_level"`
	HackMult      float64 `yaml:"hack_mult"`
	HackSpeedMult float64 `yaml:"hack_speed_mult"`
	GrowMult      float64 `yaml:"grow_mult"`
	HasFormulas   bool    `yaml:"has_formulas"`
}

type HostConfig struct {
	Name   string  `yaml:"name"`
	MaxRAM float64 `yaml:"max_ram"`
}

type ServerConfig struct {
	Name              string  `yaml:"name"`
	Security          float64 `yaml:"security"`
	MinSecurity       float64 `yaml:"min_security"`
	Money             float64 `yaml:"money"`
	MaxMoney          float64 `yaml:"max_money"`
	RequiredHackLevel int     `yaml:"required_hack_level"`
	GrowthRate        float64 `yaml:"growth_rate"`
	HasRoot           bool    `yaml:"has_root"`
}

func LoadConfig(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for _, h := range c.Hosts {
		if h.Name == "" || h.MaxRAM < 0 {
			errs = append(errs, fmt.Errorf("host %q: name required and max_ram must be >= 0", h.Name))
		}
		if seen["h:"+h.Name] {
			errs = append(errs, fmt.Errorf("duplicate host %q", h.Name))
		}
		seen["h:"+h.Name] = true
	}
	for _, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, errors.New("server without name"))
		}
		if seen["s:"+s.Name] {
			errs = append(errs, fmt.Errorf("duplicate server %q", s.Name))
		}
		seen["s:"+s.Name] = true
		if s.MinSecurity < 1 || s.Security < s.MinSecurity {
			errs = append(errs, fmt.Errorf("server %q: need 1 <= min_security <= security", s.Name))
		}
		if s.MaxMoney < 0 || s.Money < 0 || s.Money > s.MaxMoney {
			errs = append(errs, fmt.Errorf("server %q: need 0 <= money <= max_money", s.Name))
		}
	}
	return errors.Join(errs...)
}

func (p PlayerConfig) state() game.PlayerState {
	return game.PlayerState{
		HackLevel:     p.HackLevel,
		HackMult:      orOne(p.HackMult),
		HackSpeedMult: orOne(p.HackSpeedMult),
		GrowMult:      orOne(p.GrowMult),
		HasFormulas:   p.HasFormulas,
	}
}

func (s ServerConfig) state() game.ServerState {
	return game.ServerState{
		Hostname:          s.Name,
		Security:          s.Security,
		MinSecurity:       s.MinSecurity,
		Money:             s.Money,
		MaxMoney:          s.MaxMoney,
		RequiredHackLevel: s.RequiredHackLevel,
		GrowthRate:        s.GrowthRate,
		HasRoot:           s.HasRoot,
	}
}

func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
