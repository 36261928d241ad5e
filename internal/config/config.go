package config

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/fractal-lba/releasegate/internal/authz"
	"github.com/fractal-lba/releasegate/internal/drift"
	"github.com/fractal-lba/releasegate/internal/quorum"
	"github.com/fractal-lba/releasegate/internal/store"
	"github.com/fractal-lba/releasegate/pkg/otel"
)

// EnvPrefix prefixes every environment override, e.g. RELEASEGATE_STORE_BACKEND.
const EnvPrefix = "RELEASEGATE"

// Judge kinds.
const (
	JudgeLocal = "local"
	JudgeHTTP  = "http"
)

type JudgeConfig struct {
	ID      string `mapstructure:"id" validate:"required"`
	Kind    string `mapstructure:"kind" validate:"oneof=local http"`
	Witness string `mapstructure:"witness" validate:"required_if=Kind local"`
	URL     string `mapstructure:"url" validate:"required_if=Kind http"`
	Token   string `mapstructure:"token"`
}

type DriftConfig struct {
	drift.Thresholds `mapstructure:",squash"`
	Samples          int `mapstructure:"samples" validate:"gte=0"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend" validate:"oneof=memory redis postgres"`
	Path        string        `mapstructure:"path"`
	RedisAddr   string        `mapstructure:"redis_addr" validate:"required_if=Backend redis"`
	RedisPass   string        `mapstructure:"redis_pass"`
	RedisDB     int           `mapstructure:"redis_db" validate:"gte=0"`
	PostgresDSN string        `mapstructure:"postgres_dsn" validate:"required_if=Backend postgres"`
	TTL         time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type AuthzConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	HMACSecret    string        `mapstructure:"hmac_secret" validate:"required_if=Enabled true"`
	RequiredScope string        `mapstructure:"required_scope"`
	Issuer        string        `mapstructure:"issuer"`
	Leeway        time.Duration `mapstructure:"leeway" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

type OtelConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Insecure     bool    `mapstructure:"insecure"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1"`
	Environment  string  `mapstructure:"environment"`
}

type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway"`
}

type ServerConfig struct {
	Addr    string  `mapstructure:"addr" validate:"required"`
	Witness string  `mapstructure:"witness"`
	Rate    float64 `mapstructure:"rate" validate:"gt=0"`
	Burst   int     `mapstructure:"burst" validate:"gt=0"`
}

// Config is the full releasegate configuration.
type Config struct {
	Quorum              string        `mapstructure:"quorum" validate:"required"`
	FailClosedOnDegrade bool          `mapstructure:"fail_closed_on_degrade"`
	JudgeTimeout        time.Duration `mapstructure:"judge_timeout" validate:"gte=0"`
	MaxConcurrency      int           `mapstructure:"max_concurrency" validate:"gte=0"`
	Aggregation         string        `mapstructure:"aggregation" validate:"oneof=unanimous majority"`
	Judges              []JudgeConfig `mapstructure:"judges" validate:"dive"`

	Drift   DriftConfig   `mapstructure:"drift"`
	Store   StoreConfig   `mapstructure:"store"`
	Authz   AuthzConfig   `mapstructure:"authz"`
	Log     LogConfig     `mapstructure:"log"`
	Otel    OtelConfig    `mapstructure:"otel"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Server  ServerConfig  `mapstructure:"server"`
}

// ValidationError reports the first invalid configuration key.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func setDefaults(v *viper.Viper) {
	th := drift.DefaultThresholds()

	v.SetDefault("quorum", "1/1")
	v.SetDefault("fail_closed_on_degrade", true)
	v.SetDefault("judge_timeout", quorum.DefaultJudgeTimeout)
	v.SetDefault("max_concurrency", 0)
	v.SetDefault("aggregation", string(quorum.Unanimous))

	v.SetDefault("drift.kl_warn", th.KLWarn)
	v.SetDefault("drift.kl_crit", th.KLCrit)
	v.SetDefault("drift.abs_warn", th.AbsWarn)
	v.SetDefault("drift.abs_crit", th.AbsCrit)
	v.SetDefault("drift.samples", drift.DefaultSamples)

	v.SetDefault("store.backend", store.BackendMemory)
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_pass", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("store.ttl", 7*24*time.Hour)

	v.SetDefault("authz.enabled", false)
	v.SetDefault("authz.hmac_secret", "")
	v.SetDefault("authz.required_scope", authz.DefaultScope)
	v.SetDefault("authz.issuer", authz.DefaultIssuer)
	v.SetDefault("authz.leeway", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.insecure", true)
	v.SetDefault("otel.sampling_rate", 1.0)
	v.SetDefault("otel.environment", "production")

	v.SetDefault("metrics.pushgateway", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.witness", "")
	v.SetDefault("server.rate", 100.0)
	v.SetDefault("server.burst", 200)
}

// Load reads the optional YAML file at path, applies RELEASEGATE_* environment
// variables and then overrides (flag values keyed by config key), and validates
// the result.
func Load(path string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}
	for key, val := range overrides {
		v.Set(key, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	for i := range cfg.Judges {
		if cfg.Judges[i].Kind == "" {
			cfg.Judges[i].Kind = JudgeLocal
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the cross-field rules the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fieldPath(fe), Message: describe(fe)}
		}
		return &ValidationError{Field: "config", Message: err.Error()}
	}

	if _, _, err := quorum.ParseSpec(c.Quorum); err != nil {
		return &ValidationError{Field: "quorum", Message: err.Error()}
	}

	seen := make(map[string]bool, len(c.Judges))
	for _, j := range c.Judges {
		if seen[j.ID] {
			return &ValidationError{Field: "judges", Message: fmt.Sprintf("duplicate judge id %q", j.ID)}
		}
		seen[j.ID] = true
	}

	if c.Drift.KLWarn > c.Drift.KLCrit {
		return &ValidationError{Field: "drift.kl_warn", Message: "must not exceed drift.kl_crit"}
	}
	if c.Drift.AbsWarn > c.Drift.AbsCrit {
		return &ValidationError{Field: "drift.abs_warn", Message: "must not exceed drift.abs_crit"}
	}
	return nil
}

// fieldPath turns "Config.store.backend" into "store.backend".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// QuorumConfig returns the quorum policy.
func (c *Config) QuorumConfig() (quorum.Config, error) {
	k, n, err := quorum.ParseSpec(c.Quorum)
	if err != nil {
		return quorum.Config{}, err
	}
	return quorum.Config{
		K:                   k,
		N:                   n,
		FailClosedOnDegrade: c.FailClosedOnDegrade,
		JudgeTimeout:        c.JudgeTimeout,
		MaxConcurrency:      c.MaxConcurrency,
		Aggregation:         quorum.Aggregation(c.Aggregation),
	}, nil
}

// BuildJudges instantiates the configured judges. client is shared by HTTP
// judges and may be nil.
func (c *Config) BuildJudges(client *http.Client) ([]quorum.Judge, error) {
	judges := make([]quorum.Judge, 0, len(c.Judges))
	for _, j := range c.Judges {
		switch j.Kind {
		case JudgeLocal, "":
			judges = append(judges, quorum.NewLocalJudge(j.ID, j.Witness))
		case JudgeHTTP:
			judges = append(judges, quorum.NewHTTPJudge(j.ID, j.URL, j.Token, client))
		default:
			return nil, &ValidationError{Field: "judges", Message: fmt.Sprintf("unknown judge kind %q", j.Kind)}
		}
	}
	return judges, nil
}

func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:      c.Store.Backend,
		SnapshotPath: c.Store.Path,
		RedisAddr:    c.Store.RedisAddr,
		RedisPass:    c.Store.RedisPass,
		RedisDB:      c.Store.RedisDB,
		PostgresDSN:  c.Store.PostgresDSN,
	}
}

// Authorizer returns nil when authorization is disabled.
func (c *Config) Authorizer() (authz.Authorizer, error) {
	if !c.Authz.Enabled {
		return nil, nil
	}
	a, err := authz.NewJWTAuthorizer(authz.Config{
		Secret:        []byte(c.Authz.HMACSecret),
		RequiredScope: c.Authz.RequiredScope,
		Issuer:        c.Authz.Issuer,
		Leeway:        c.Authz.Leeway,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (c *Config) OtelConfig(serviceName, version string) *otel.Config {
	oc := otel.DefaultConfig(serviceName)
	oc.ServiceVersion = version
	oc.Environment = c.Otel.Environment
	oc.CollectorEndpoint = c.Otel.Endpoint
	oc.CollectorInsecure = c.Otel.Insecure
	oc.SamplingRate = c.Otel.SamplingRate
	return oc
}

func (c *Config) DriftMonitor() *drift.Monitor {
	return drift.NewMonitor(c.Drift.Thresholds, c.Drift.Samples)
}
