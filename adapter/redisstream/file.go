package redisstream

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xstream"
)

// FileConfig is the YAML layout of a consumer deployment:
//
//	redis:
//	  addr: ${REDIS_ADDR}
//	container:
//	  poll_timeout: 3s
//	  batch_size: 3
//	consumers:
//	  - stream: string-stream
//	    group: string-group
//	    consumer: string-consumer
//	    handler: strings
//	    max_retries: 1
type FileConfig struct {
	Redis     Config          `yaml:"redis"`
	Container xstream.Config  `yaml:"container"`
	Consumers []ConsumerEntry `yaml:"consumers"`
}

// ConsumerEntry binds an identity to a handler registered by name.
type ConsumerEntry struct {
	xstream.Identity `yaml:",inline"`

	Handler    string `yaml:"handler"`
	MaxRetries int    `yaml:"max_retries"`
}

// LoadFile reads path, expands ${VAR} references from the environment and
// decodes the result.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML after environment expansion.
func Parse(data []byte) (*FileConfig, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg FileConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Redis = cfg.Redis.withDefaults()
	if err := cfg.Redis.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Bind resolves every consumer entry against handlers. An unknown handler name
// is a registration error.
func (f *FileConfig) Bind(handlers map[string]xstream.Handler) ([]xstream.ConsumerConfig, error) {
	out := make([]xstream.ConsumerConfig, 0, len(f.Consumers))
	for _, c := range f.Consumers {
		h, ok := handlers[c.Handler]
		if !ok {
			return nil, &xstream.RegistrationError{
				FullName: c.FullName(),
				Err:      fmt.Errorf("unknown handler %q", c.Handler),
			}
		}
		out = append(out, xstream.ConsumerConfig{
			Identity:   c.Identity,
			Handler:    h,
			MaxRetries: c.MaxRetries,
		})
	}
	return out, nil
}
