// Package config loads rewrite0.yaml and resolves it into the option
// structs the engine and its backends take.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"rewrite0/internal/cache"
	"rewrite0/internal/httpcache"
	"rewrite0/internal/naming"
	"rewrite0/internal/rewrite"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendLevelDB  = "leveldb"
	BackendSQL      = "sql"
	BackendDynamoDB = "dynamodb"
)

// Lock backends.
const (
	LockMemory = "memory"
	LockSQLite = "sqlite"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Storage struct {
		RAM struct {
			Max      string `yaml:"max"`
			EntryMax string `yaml:"entryMax"`
		} `yaml:"ram"`
		Backend string `yaml:"backend"`
		File    struct {
			Path          string `yaml:"path"`
			CleanInterval string `yaml:"cleanInterval"`
			MaxAge        string `yaml:"maxAge"`
			Max           string `yaml:"max"`
			MaxInodes     int64  `yaml:"maxInodes"`
		} `yaml:"file"`
		LevelDB struct {
			Path string `yaml:"path"`
			Max  string `yaml:"max"`
		} `yaml:"leveldb"`
		SQL struct {
			Driver string `yaml:"driver"`
			DSN    string `yaml:"dsn"`
		} `yaml:"sql"`
		DynamoDB struct {
			Table          string `yaml:"table"`
			Region         string `yaml:"region"`
			Endpoint       string `yaml:"endpoint"`
			ItemExpiration string `yaml:"itemExpiration"`
		} `yaml:"dynamodb"`
	} `yaml:"storage"`

	HTTP struct {
		RememberFetchFailed  string  `yaml:"rememberFetchFailed"`
		RememberNotCacheable string  `yaml:"rememberNotCacheable"`
		ForceCaching         bool    `yaml:"forceCaching"`
		ForceCachingTTL      string  `yaml:"forceCachingTTL"`
		RespectVary          bool    `yaml:"respectVary"`
		FreshenFraction      float64 `yaml:"freshenFraction"`
		MinFreshenTTL        string  `yaml:"minFreshenTTL"`
		ImplicitTTL          string  `yaml:"implicitTTL"`
	} `yaml:"http"`

	Rewrite struct {
		Deadline             string `yaml:"deadline"`
		LockWait             string `yaml:"lockWait"`
		FetchTimeout         string `yaml:"fetchTimeout"`
		GeneratedMaxAge      string `yaml:"generatedMaxAge"`
		PersistOnTheFlyBytes bool   `yaml:"persistOnTheFlyBytes"`
		Sequences            int    `yaml:"sequences"`
		BackgroundFetches    int    `yaml:"backgroundFetches"`
		Lock                 struct {
			Backend string `yaml:"backend"`
			Path    string `yaml:"path"`
			TTL     string `yaml:"ttl"`
		} `yaml:"lock"`
	} `yaml:"rewrite"`

	Domains struct {
		Origin  map[string]string `yaml:"origin"`
		Serving map[string]string `yaml:"serving"`
	} `yaml:"domains"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	ramMax, ramEntryMax int64
	fileMax, levelMax   int64
	fileClean, fileAge  time.Duration
	dynamoExp           time.Duration
	httpCfg             httpcache.Config
	opts                rewrite.Options
	lockTTL             time.Duration
	level               zerolog.Level
	statsEvery          time.Duration
}

// LoadConfig reads and resolves the YAML file at path.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse resolves a YAML document. Fields left out take their defaults.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64m"
	}
	if c.Storage.RAM.EntryMax == "" {
		c.Storage.RAM.EntryMax = "1m"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.File.Path == "" {
		c.Storage.File.Path = "./data/files"
	}
	if c.Storage.LevelDB.Path == "" {
		c.Storage.LevelDB.Path = "./data/leveldb"
	}
	if c.Storage.LevelDB.Max == "" {
		c.Storage.LevelDB.Max = "1g"
	}
	if c.Storage.SQL.Driver == "" {
		c.Storage.SQL.Driver = cache.DriverSQLite
	}
	if c.Rewrite.Lock.Backend == "" {
		c.Rewrite.Lock.Backend = LockMemory
	}
	if c.Rewrite.Lock.Path == "" {
		c.Rewrite.Lock.Path = "./data/locks.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) compile() error {
	c.setDefaults()

	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	var err error
	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"storage.ram.max", c.Storage.RAM.Max, &c.ramMax},
		{"storage.ram.entryMax", c.Storage.RAM.EntryMax, &c.ramEntryMax},
		{"storage.file.max", c.Storage.File.Max, &c.fileMax},
		{"storage.leveldb.max", c.Storage.LevelDB.Max, &c.levelMax},
	}
	for _, s := range sizes {
		*s.out = 0
		if s.in == "" {
			continue
		}
		if *s.out, err = ParseBytes(s.in); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	httpCfg := httpcache.DefaultConfig()
	httpCfg.ForceCaching = c.HTTP.ForceCaching
	if c.HTTP.FreshenFraction < 0 || c.HTTP.FreshenFraction >= 1 {
		return fmt.Errorf("http.freshenFraction: must be in [0, 1), got %v", c.HTTP.FreshenFraction)
	}
	if c.HTTP.FreshenFraction > 0 {
		httpCfg.FreshenFraction = c.HTTP.FreshenFraction
	}
	opts := rewrite.Options{
		PersistOnTheFlyBytes: c.Rewrite.PersistOnTheFlyBytes,
		Sequences:            c.Rewrite.Sequences,
		BackgroundFetches:    c.Rewrite.BackgroundFetches,
		Policy:               httpcache.Policy{RespectVary: c.HTTP.RespectVary},
	}
	c.fileClean, c.fileAge, c.dynamoExp, c.lockTTL, c.statsEvery = 0, 0, 0, 0, 0

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"storage.file.cleanInterval", c.Storage.File.CleanInterval, &c.fileClean},
		{"storage.file.maxAge", c.Storage.File.MaxAge, &c.fileAge},
		{"storage.dynamodb.itemExpiration", c.Storage.DynamoDB.ItemExpiration, &c.dynamoExp},
		{"http.rememberFetchFailed", c.HTTP.RememberFetchFailed, &httpCfg.RememberFetchFailedTTL},
		{"http.rememberNotCacheable", c.HTTP.RememberNotCacheable, &httpCfg.RememberNotCacheableTTL},
		{"http.forceCachingTTL", c.HTTP.ForceCachingTTL, &httpCfg.ForceCachingTTL},
		{"http.minFreshenTTL", c.HTTP.MinFreshenTTL, &httpCfg.MinFreshenTTL},
		{"http.implicitTTL", c.HTTP.ImplicitTTL, &opts.Policy.ImplicitTTL},
		{"rewrite.deadline", c.Rewrite.Deadline, &opts.RewriteDeadline},
		{"rewrite.lockWait", c.Rewrite.LockWait, &opts.LockWait},
		{"rewrite.fetchTimeout", c.Rewrite.FetchTimeout, &opts.FetchTimeout},
		{"rewrite.generatedMaxAge", c.Rewrite.GeneratedMaxAge, &opts.GeneratedMaxAge},
		{"rewrite.lock.ttl", c.Rewrite.Lock.TTL, &c.lockTTL},
		{"logging.statsEvery", c.Logging.StatsEvery, &c.statsEvery},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s: negative duration", d.name)
		}
		*d.out = v
	}
	c.httpCfg = httpCfg
	c.opts = opts

	switch c.Storage.Backend {
	case BackendMemory, BackendFile, BackendLevelDB, BackendDynamoDB:
	case BackendSQL:
		if c.Storage.SQL.Driver != cache.DriverSQLite && c.Storage.SQL.Driver != cache.DriverPostgres {
			return fmt.Errorf("storage.sql.driver: unsupported %q", c.Storage.SQL.Driver)
		}
		if c.Storage.SQL.DSN == "" {
			return fmt.Errorf("storage.sql.dsn is required")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendDynamoDB && c.Storage.DynamoDB.Table == "" {
		return fmt.Errorf("storage.dynamodb.table is required")
	}

	switch c.Rewrite.Lock.Backend {
	case LockMemory, LockSQLite:
	default:
		return fmt.Errorf("rewrite.lock.backend: unsupported %q", c.Rewrite.Lock.Backend)
	}

	if c.level, err = zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// RAMMax bounds the in-memory front cache. EntryMax keeps single large
// values out of it.
func (c Config) RAMMax() int64      { return c.ramMax }
func (c Config) RAMEntryMax() int64 { return c.ramEntryMax }
func (c Config) LevelDBMax() int64  { return c.levelMax }

func (c Config) FileConfig() cache.FileConfig {
	return cache.FileConfig{
		Path:          c.Storage.File.Path,
		CleanInterval: c.fileClean,
		MaxAge:        c.fileAge,
		MaxBytes:      c.fileMax,
		MaxInodes:     c.Storage.File.MaxInodes,
	}
}

func (c Config) DynamoDBConfig() cache.DynamoDBConfig {
	return cache.DynamoDBConfig{Table: c.Storage.DynamoDB.Table, ItemExpiration: c.dynamoExp}
}

func (c Config) HTTPCache() httpcache.Config { return c.httpCfg }
func (c Config) RewriteOptions() rewrite.Options {
	return c.opts
}
func (c Config) LockTTL() time.Duration { return c.lockTTL }

// Mapper builds the domain mapper from the domains section.
func (c Config) Mapper() naming.StaticMapper {
	return naming.NewStaticMapper(c.Domains.Origin, c.Domains.Serving)
}

func (c Config) Level() zerolog.Level { return c.level }

// StatsEvery is the stats log interval. Zero turns the stats loop off.
func (c Config) StatsEvery() time.Duration { return c.statsEvery }
