// Package config loads the client configuration.
//
// Settings come from built-in defaults, then <name>.yml, then <name>-<env>.yml, then a few
// environment variables; each layer only overrides the keys it sets. Durations are in
// milliseconds and lease times in seconds, as in the Eureka client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"eureka-client/instance"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Eureka   EurekaConfig   `yaml:"eureka"`
	Instance InstanceConfig `yaml:"instance"`
}

// EurekaConfig 客户端行为配置
type EurekaConfig struct {
	Backend       string   `yaml:"backend" validate:"oneof=eureka etcd"`
	ServiceURLs   []string `yaml:"serviceUrls" validate:"dive,url"`
	EtcdEndpoints []string `yaml:"etcdEndpoints"`

	HeartbeatInterval     int     `yaml:"heartbeatInterval" validate:"gt=0"`
	RegistryFetchInterval int     `yaml:"registryFetchInterval" validate:"gt=0"`
	RequestTimeout        int     `yaml:"requestTimeout" validate:"gt=0"`
	MaxRetries            int     `yaml:"maxRetries" validate:"gte=0"`
	RequestRetryDelay     int     `yaml:"requestRetryDelay" validate:"gte=0"`
	RateLimit             float64 `yaml:"rateLimit" validate:"gte=0"` // requests per second, 0 disables
	RateBurst             int     `yaml:"rateBurst" validate:"gte=0"`
	ShutdownTimeout       int     `yaml:"shutdownTimeout" validate:"gt=0"`

	FetchRegistry       bool `yaml:"fetchRegistry"`
	FilterUpInstances   bool `yaml:"filterUpInstances"`
	RegisterWithEureka  bool `yaml:"registerWithEureka"`
	WaitForRegistry     bool `yaml:"waitForRegistry"`
	RegistryWaitTimeout int  `yaml:"registryWaitTimeout" validate:"gte=0"`
	DisableDelta        bool `yaml:"disableDelta"`

	HeartbeatFailureThreshold int           `yaml:"heartbeatFailureThreshold" validate:"gt=0"`
	RegistrationBackoff       BackoffConfig `yaml:"registrationBackoff"`
	LoadBalancer              string        `yaml:"loadBalancer" validate:"oneof=round_robin random"`
}

type BackoffConfig struct {
	BaseMs     int     `yaml:"baseMs" validate:"gt=0"`
	MaxMs      int     `yaml:"maxMs" validate:"gtefield=BaseMs"`
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`
	Jitter     float64 `yaml:"jitter" validate:"gte=0,lte=1"`
}

// InstanceConfig 本实例的注册信息
type InstanceConfig struct {
	App              string            `yaml:"app"`
	InstanceID       string            `yaml:"instanceId"`
	HostName         string            `yaml:"hostName"`
	IPAddr           string            `yaml:"ipAddr" validate:"omitempty,ip"`
	Port             int               `yaml:"port" validate:"gte=0,lte=65535"`
	Secure           bool              `yaml:"securePortEnabled"`
	Status           string            `yaml:"status" validate:"oneof=UP DOWN STARTING OUT_OF_SERVICE"`
	VIPAddress       string            `yaml:"vipAddress"`
	SecureVIPAddress string            `yaml:"secureVipAddress"`
	HomePageURL      string            `yaml:"homePageUrl"`
	StatusPageURL    string            `yaml:"statusPageUrl"`
	HealthCheckURL   string            `yaml:"healthCheckUrl"`
	DataCenter       string            `yaml:"dataCenter"`
	LeaseRenewal     int               `yaml:"leaseRenewalIntervalInSeconds" validate:"gt=0"`
	LeaseDuration    int               `yaml:"leaseExpirationDurationInSeconds" validate:"gtefield=LeaseRenewal"`
	Metadata         map[string]string `yaml:"metadata"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Eureka: EurekaConfig{
			Backend:                   "eureka",
			HeartbeatInterval:         30000,
			RegistryFetchInterval:     30000,
			RequestTimeout:            5000,
			MaxRetries:                3,
			RequestRetryDelay:         500,
			ShutdownTimeout:           5000,
			FetchRegistry:             true,
			FilterUpInstances:         true,
			RegisterWithEureka:        true,
			RegistryWaitTimeout:       10000,
			HeartbeatFailureThreshold: 3,
			RegistrationBackoff: BackoffConfig{
				BaseMs:     1000,
				MaxMs:      30000,
				Multiplier: 2,
				Jitter:     0.5,
			},
			LoadBalancer: "round_robin",
		},
		Instance: InstanceConfig{
			Status:        "UP",
			LeaseRenewal:  30,
			LeaseDuration: 90,
		},
	}
}

// Load reads <name>.yml and <name>-<env>.yml on top of the defaults. Missing files are
// skipped; env may be empty.
func Load(name, env string) (*Config, error) {
	cfg := Default()
	files := []string{name + ".yml"}
	if env != "" {
		files = append(files, name+"-"+env+".yml")
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", file, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// applyEnvOverrides 应用环境变量覆盖
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("EUREKA_SERVICE_URLS"); v != "" {
		cfg.Eureka.ServiceURLs = splitList(v)
	}
	if v := os.Getenv("EUREKA_ETCD_ENDPOINTS"); v != "" {
		cfg.Eureka.EtcdEndpoints = splitList(v)
	}
	if v := os.Getenv("EUREKA_INSTANCE_IP"); v != "" {
		cfg.Instance.IPAddr = v
	}
	if v := os.Getenv("EUREKA_INSTANCE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: EUREKA_INSTANCE_PORT: %w", err)
		}
		cfg.Instance.Port = port
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateConfig, Config{})
	return v
}

// validateConfig checks the rules that span both sections.
func validateConfig(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	switch cfg.Eureka.Backend {
	case "eureka":
		if len(cfg.Eureka.ServiceURLs) == 0 {
			sl.ReportError(cfg.Eureka.ServiceURLs, "ServiceURLs", "serviceUrls", "required_for_backend", "eureka")
		}
	case "etcd":
		if len(cfg.Eureka.EtcdEndpoints) == 0 {
			sl.ReportError(cfg.Eureka.EtcdEndpoints, "EtcdEndpoints", "etcdEndpoints", "required_for_backend", "etcd")
		}
	}
	if cfg.Eureka.RegisterWithEureka {
		if cfg.Instance.App == "" {
			sl.ReportError(cfg.Instance.App, "App", "app", "required_to_register", "")
		}
		if cfg.Instance.IPAddr == "" {
			sl.ReportError(cfg.Instance.IPAddr, "IPAddr", "ipAddr", "required_to_register", "")
		}
		if cfg.Instance.Port == 0 {
			sl.ReportError(cfg.Instance.Port, "Port", "port", "required_to_register", "")
		}
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: invalid configuration: %w", err)
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (e EurekaConfig) HeartbeatEvery() time.Duration {
	return ms(e.HeartbeatInterval)
}

func (e EurekaConfig) FetchEvery() time.Duration {
	return ms(e.RegistryFetchInterval)
}

func (e EurekaConfig) RequestTimeoutDuration() time.Duration {
	return ms(e.RequestTimeout)
}

func (e EurekaConfig) RetryDelay() time.Duration {
	return ms(e.RequestRetryDelay)
}

func (e EurekaConfig) ShutdownTimeoutDuration() time.Duration {
	return ms(e.ShutdownTimeout)
}

func (e EurekaConfig) WaitTimeout() time.Duration {
	return ms(e.RegistryWaitTimeout)
}

// Record builds the local instance record. Without an explicit instanceId the id is derived
// from the host name (or IP), the app name and the port.
func (c *Config) Record() instance.Record {
	in := c.Instance
	host := in.HostName
	if host == "" {
		host = in.IPAddr
	}
	id := in.InstanceID
	if id == "" {
		id = instance.NewInstanceID(host, in.App, in.Port)
	}
	var meta map[string]string
	if len(in.Metadata) > 0 {
		meta = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			meta[k] = v
		}
	}
	return instance.Record{
		ServiceName:          instance.NormalizeService(in.App),
		InstanceID:           id,
		HostName:             host,
		IPAddress:            in.IPAddr,
		Port:                 in.Port,
		Secure:               in.Secure,
		Status:               instance.ParseStatus(in.Status),
		VIPAddress:           in.VIPAddress,
		SecureVIPAddress:     in.SecureVIPAddress,
		HomePageURL:          in.HomePageURL,
		StatusPageURL:        in.StatusPageURL,
		HealthCheckURL:       in.HealthCheckURL,
		DataCenter:           instance.NormalizeDataCenter(in.DataCenter),
		LeaseRenewalInterval: in.LeaseRenewal,
		LeaseDuration:        in.LeaseDuration,
		Metadata:             meta,
	}
}
