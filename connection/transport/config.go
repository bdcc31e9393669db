package transport

import (
	"net/http"
	"strings"
)

type ResponseType string

const (
	ResponseText ResponseType = "text"
	ResponseJSON ResponseType = "json"
)

const (
	DefaultMethod = http.MethodPost

	contentTypeHeader = "Content-Type"
	jsonContentType   = "application/json"
)

// Config carries the per send options. A nil *Config means every default.
type Config struct {
	// Defaults to POST
	Method string `json:"method" yaml:"method"`

	// Merged over the transport's default headers, these win on conflict
	Headers map[string]string `json:"headers" yaml:"headers"`

	// Defaults to text
	ResponseType ResponseType `json:"responseType" yaml:"responseType"`
}

func (c *Config) method() string {
	if c == nil || c.Method == "" {
		return DefaultMethod
	}
	return strings.ToUpper(c.Method)
}

func (c *Config) responseType() ResponseType {
	if c == nil || c.ResponseType == "" {
		return ResponseText
	}
	return c.ResponseType
}

// mergeHeaders overlays the configured headers on top of the defaults
func (c *Config) mergeHeaders(defaults map[string]string) http.Header {
	header := http.Header{}
	for name, value := range defaults {
		header.Set(name, value)
	}

	if c != nil {
		for name, value := range c.Headers {
			header.Set(name, value)
		}
	}
	return header
}

func isJSONContentType(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get(contentTypeHeader)), jsonContentType)
}
