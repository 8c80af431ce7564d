package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
)

// ServerConfig defines HTTP and gRPC server configurations
type ServerConfig struct {
	HTTPPort int  `koanf:"httpport"`
	GRPCPort int  `koanf:"grpcport"`
	Debug    bool `koanf:"debug"`
}

// EngineConfig selects and tunes the inference engine
type EngineConfig struct {
	LibraryPath    string        `koanf:"librarypath"`
	ModelPath      string        `koanf:"modelpath"`
	IntraOpThreads int           `koanf:"intraopthreads"`
	InterOpThreads int           `koanf:"interopthreads"`
	Simulated      bool          `koanf:"simulated"`
	Latency        time.Duration `koanf:"latency"`
}

// BackendConfig defines the workload and the load pattern it is served under
type BackendConfig struct {
	Workload       string        `koanf:"workload"`
	Scenario       string        `koanf:"scenario"`
	NIReq          int           `koanf:"nireq"`
	BatchSize      int           `koanf:"batchsize"`
	AcquireTimeout time.Duration `koanf:"acquiretimeout"`
}

// AppConfig defines
type AppConfig struct {
	Server  ServerConfig  `koanf:"server"`
	Engine  EngineConfig  `koanf:"engine"`
	Backend BackendConfig `koanf:"backend"`
}

// Config - Global variable to export
var Config AppConfig

var defaults = map[string]any{
	"server.httpport":        8080,
	"server.grpcport":        8081,
	"engine.intraopthreads":  0,
	"engine.interopthreads":  0,
	"engine.latency":         "2ms",
	"backend.workload":       "ssd-mobilenet",
	"backend.scenario":       "SingleStream",
	"backend.nireq":          4,
	"backend.batchsize":      1,
	"backend.acquiretimeout": "5s",
}

var scenarios = []string{"singlestream", "offline", "multistream", "server"}

// Init - Assign global config to decoded config struct. A missing file is
// allowed when filePath is empty.
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return err
	}

	if filePath != "" {
		if err := k.Load(file.Provider(filePath), parser); err != nil {
			return fmt.Errorf("load config file %s: %w", filePath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		return key, v
	}), nil); err != nil {
		return err
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return err
	}
	if err := ValidateConfig(&cfg); err != nil {
		return err
	}
	Config = cfg
	return nil
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	var errs []error
	if cfg.Backend.NIReq <= 0 {
		errs = append(errs, fmt.Errorf("backend.nireq must be positive, got %d", cfg.Backend.NIReq))
	}
	if cfg.Backend.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("backend.batchsize must be positive, got %d", cfg.Backend.BatchSize))
	}
	if !contains(scenarios, strings.ToLower(cfg.Backend.Scenario)) {
		errs = append(errs, fmt.Errorf("backend.scenario %q is not one of SingleStream, Offline, MultiStream, Server", cfg.Backend.Scenario))
	}
	if !cfg.Engine.Simulated && cfg.Engine.ModelPath == "" {
		errs = append(errs, errors.New("engine.modelpath is required unless engine.simulated is set"))
	}
	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
