/*
package config loads the settings a gateway client needs from a yaml file. Any setting
can be overridden by its environment variable, which always takes precedence over the
file so a running process and its deployment agree on the effective value.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gatewayclient/transport/connection/transport"
)

type Protocol string

const (
	ProtocolSocket  Protocol = "socket"
	ProtocolRequest Protocol = "request"
)

// Environment variables, each overrides the matching file setting
const (
	UriEnvVar            = "GATEWAY_URI"
	EndpointEnvVar       = "GATEWAY_ENDPOINT"
	ProtocolEnvVar       = "GATEWAY_PROTOCOL"
	RestfulEnvVar        = "GATEWAY_RESTFUL"
	MethodEnvVar         = "GATEWAY_METHOD"
	ResponseTypeEnvVar   = "GATEWAY_RESPONSE_TYPE"
	LogLevelEnvVar       = "GATEWAY_LOG_LEVEL"
	LogPathEnvVar        = "GATEWAY_LOG_PATH"
	HandshakeTimeoutVar  = "GATEWAY_HANDSHAKE_TIMEOUT"
	MaxDialElapsedEnvVar = "GATEWAY_MAX_DIAL_ELAPSED"
	RequestTimeoutEnvVar = "GATEWAY_REQUEST_TIMEOUT"
)

const (
	defaultProtocol       = ProtocolRequest
	defaultLogLevel       = "info"
	defaultRequestTimeout = 30 * time.Second
)

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type SocketConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`

	// Zero means a single dial attempt
	MaxDialElapsed time.Duration `yaml:"maxDialElapsed"`
}

type RequestConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Config struct {
	Uri      string   `yaml:"uri"`
	Endpoint string   `yaml:"endpoint"`
	Protocol Protocol `yaml:"protocol"`

	// Wrap socket payloads in restful frames
	Restful bool `yaml:"restful"`

	// Defaults for every send
	Send transport.Config `yaml:"send"`

	Log     LogConfig     `yaml:"log"`
	Socket  SocketConfig  `yaml:"socket"`
	Request RequestConfig `yaml:"request"`
}

// Load reads the file at path, if any, applies environment overrides and defaults and
// validates the result
func Load(path string) (*Config, error) {
	config, err := Read(path)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Read is Load without the validation, for callers that apply their own overrides first
func Read(path string) (*Config, error) {
	config := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &FileError{Path: path, InnerErr: err}
		}

		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, &ValidationError{InnerErr: fmt.Errorf("failed to parse %s: %w", path, err)}
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) Validate() error {
	if c.Uri == "" {
		return &ValidationError{InnerErr: errors.New("uri is required")}
	}

	switch c.Protocol {
	case ProtocolSocket, ProtocolRequest:
	default:
		return &ValidationError{InnerErr: fmt.Errorf("unknown protocol %q, expected %q or %q", c.Protocol, ProtocolSocket, ProtocolRequest)}
	}

	switch c.Send.ResponseType {
	case "", transport.ResponseText, transport.ResponseJSON:
	default:
		return &ValidationError{InnerErr: fmt.Errorf("unknown response type %q", c.Send.ResponseType)}
	}

	if c.Socket.HandshakeTimeout < 0 || c.Socket.MaxDialElapsed < 0 || c.Request.Timeout < 0 {
		return &ValidationError{InnerErr: errors.New("timeouts cannot be negative")}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Protocol == "" {
		c.Protocol = defaultProtocol
	}

	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Request.Timeout == 0 {
		c.Request.Timeout = defaultRequestTimeout
	}
}

func (c *Config) applyEnv() error {
	overrideString(UriEnvVar, &c.Uri)
	overrideString(EndpointEnvVar, &c.Endpoint)
	overrideString(MethodEnvVar, &c.Send.Method)
	overrideString(LogLevelEnvVar, &c.Log.Level)
	overrideString(LogPathEnvVar, &c.Log.Path)

	if value, ok := lookup(ProtocolEnvVar); ok {
		c.Protocol = Protocol(strings.ToLower(value))
	}

	if value, ok := lookup(ResponseTypeEnvVar); ok {
		c.Send.ResponseType = transport.ResponseType(strings.ToLower(value))
	}

	if value, ok := lookup(RestfulEnvVar); ok {
		restful, err := strconv.ParseBool(value)
		if err != nil {
			return &EnvError{EnvVar: RestfulEnvVar, InnerErr: err}
		}
		c.Restful = restful
	}

	durations := map[string]*time.Duration{
		HandshakeTimeoutVar:  &c.Socket.HandshakeTimeout,
		MaxDialElapsedEnvVar: &c.Socket.MaxDialElapsed,
		RequestTimeoutEnvVar: &c.Request.Timeout,
	}
	for envVar, target := range durations {
		if value, ok := lookup(envVar); ok {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return &EnvError{EnvVar: envVar, InnerErr: err}
			}
			*target = duration
		}
	}

	return nil
}

// lookup treats an empty variable as unset
func lookup(envVar string) (string, bool) {
	value, ok := os.LookupEnv(envVar)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func overrideString(envVar string, target *string) {
	if value, ok := lookup(envVar); ok {
		*target = value
	}
}
