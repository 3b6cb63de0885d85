package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type setter func(c *Config, v string) error

func str(field func(*Config) *string) setter {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) setter {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func integer(field func(*Config) *int) setter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func float(field func(*Config) *float64) setter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

// setters are keyed by the option's YAML path. Sizes and durations are set
// as strings and checked when the config is recompiled.
var setters = map[string]setter{
	"server.origin":                   str(func(c *Config) *string { return &c.Server.Origin }),
	"server.port":                     integer(func(c *Config) *int { return &c.Server.Port }),
	"storage.ram.max":                 str(func(c *Config) *string { return &c.Storage.RAM.Max }),
	"storage.ram.entryMax":            str(func(c *Config) *string { return &c.Storage.RAM.EntryMax }),
	"storage.backend":                 str(func(c *Config) *string { return &c.Storage.Backend }),
	"storage.file.path":               str(func(c *Config) *string { return &c.Storage.File.Path }),
	"storage.file.cleanInterval":      str(func(c *Config) *string { return &c.Storage.File.CleanInterval }),
	"storage.file.maxAge":             str(func(c *Config) *string { return &c.Storage.File.MaxAge }),
	"storage.file.max":                str(func(c *Config) *string { return &c.Storage.File.Max }),
	"storage.leveldb.path":            str(func(c *Config) *string { return &c.Storage.LevelDB.Path }),
	"storage.leveldb.max":             str(func(c *Config) *string { return &c.Storage.LevelDB.Max }),
	"storage.sql.driver":              str(func(c *Config) *string { return &c.Storage.SQL.Driver }),
	"storage.sql.dsn":                 str(func(c *Config) *string { return &c.Storage.SQL.DSN }),
	"storage.dynamodb.table":          str(func(c *Config) *string { return &c.Storage.DynamoDB.Table }),
	"storage.dynamodb.region":         str(func(c *Config) *string { return &c.Storage.DynamoDB.Region }),
	"storage.dynamodb.endpoint":       str(func(c *Config) *string { return &c.Storage.DynamoDB.Endpoint }),
	"storage.dynamodb.itemExpiration": str(func(c *Config) *string { return &c.Storage.DynamoDB.ItemExpiration }),
	"http.rememberFetchFailed":        str(func(c *Config) *string { return &c.HTTP.RememberFetchFailed }),
	"http.rememberNotCacheable":       str(func(c *Config) *string { return &c.HTTP.RememberNotCacheable }),
	"http.forceCaching":               boolean(func(c *Config) *bool { return &c.HTTP.ForceCaching }),
	"http.forceCachingTTL":            str(func(c *Config) *string { return &c.HTTP.ForceCachingTTL }),
	"http.respectVary":                boolean(func(c *Config) *bool { return &c.HTTP.RespectVary }),
	"http.freshenFraction":            float(func(c *Config) *float64 { return &c.HTTP.FreshenFraction }),
	"http.minFreshenTTL":              str(func(c *Config) *string { return &c.HTTP.MinFreshenTTL }),
	"http.implicitTTL":                str(func(c *Config) *string { return &c.HTTP.ImplicitTTL }),
	"rewrite.deadline":                str(func(c *Config) *string { return &c.Rewrite.Deadline }),
	"rewrite.lockWait":                str(func(c *Config) *string { return &c.Rewrite.LockWait }),
	"rewrite.fetchTimeout":            str(func(c *Config) *string { return &c.Rewrite.FetchTimeout }),
	"rewrite.generatedMaxAge":         str(func(c *Config) *string { return &c.Rewrite.GeneratedMaxAge }),
	"rewrite.persistOnTheFlyBytes":    boolean(func(c *Config) *bool { return &c.Rewrite.PersistOnTheFlyBytes }),
	"rewrite.sequences":               integer(func(c *Config) *int { return &c.Rewrite.Sequences }),
	"rewrite.backgroundFetches":       integer(func(c *Config) *int { return &c.Rewrite.BackgroundFetches }),
	"rewrite.lock.backend":            str(func(c *Config) *string { return &c.Rewrite.Lock.Backend }),
	"rewrite.lock.path":               str(func(c *Config) *string { return &c.Rewrite.Lock.Path }),
	"rewrite.lock.ttl":                str(func(c *Config) *string { return &c.Rewrite.Lock.TTL }),
	"logging.level":                   str(func(c *Config) *string { return &c.Logging.Level }),
	"logging.statsEvery":              str(func(c *Config) *string { return &c.Logging.StatsEvery }),
}

// OptionNames lists every option ApplyOverrides accepts.
func OptionNames() []string {
	out := make([]string, 0, len(setters))
	for k := range setters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ApplyOverrides returns a copy of c with the named options replaced. Names
// are YAML paths such as "rewrite.deadline". Nothing is applied if any name
// is unknown or any value does not parse.
func (c Config) ApplyOverrides(overrides map[string]string) (Config, error) {
	out := c
	names := make([]string, 0, len(overrides))
	for k := range overrides {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		set, ok := setters[name]
		if !ok {
			return c, fmt.Errorf("unknown option %q", name)
		}
		if err := set(&out, strings.TrimSpace(overrides[name])); err != nil {
			return c, fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := out.compile(); err != nil {
		return c, err
	}
	return out, nil
}

// ParseOverride splits a "name=value" flag argument.
func ParseOverride(arg string) (string, string, error) {
	name, value, ok := strings.Cut(arg, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("override %q: want name=value", arg)
	}
	return name, value, nil
}
