// Package config provides a read-only, immutable-after-load
// configuration view (spec.md §4.5) loaded from a YAML document
// matching the key schema of spec.md §6 ("Configuration input").
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Logging configures the log sink (spec.md §6 "logging {console, file,
// dlt, file.path, level}"). dlt (the automotive Diagnostic Log and
// Trace sink) is parsed into DLT, but no DLT sink is implemented.
type Logging struct {
	Console bool   `yaml:"console"`
	File    bool   `yaml:"file"`
	DLT     bool   `yaml:"dlt"`
	Path    string `yaml:"path"`
	Level   string `yaml:"level"`
}

// SomeIP configures SOME/IP-layer ceilings shared by every endpoint.
type SomeIP struct {
	MaxPayloadLocal int           `yaml:"max-payload-local"`
	MessageSizes    []MessageSize `yaml:"message-sizes"`
}

// MessageSize is one entry of `someip.message-sizes[]`: the reliable
// (TCP) message-size ceiling for one (address, port) (spec.md §4.4
// "message_size_reliable[address][port]").
type MessageSize struct {
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
	Max     int    `yaml:"max"`
}

// Eventgroup describes one named subset of a service's events.
type Eventgroup struct {
	ID     uint16   `yaml:"id"`
	Events []uint16 `yaml:"events"`
}

// Service describes one offered/consumed service instance.
type Service struct {
	ServiceID   uint16       `yaml:"service"`
	InstanceID  uint16       `yaml:"instance"`
	Reliable    string       `yaml:"reliable"`   // "host:port", empty if not offered over TCP
	Unreliable  string       `yaml:"unreliable"` // "host:port", empty if not offered over UDP
	Events      []uint16     `yaml:"events"`
	Eventgroups []Eventgroup `yaml:"eventgroups"`
}

// Routing configures the routing-host election (spec.md §6 "routing
// {host}").
type Routing struct {
	Host string `yaml:"host"`
}

// ServiceDiscovery configures the SD engine's network binding and
// Initial-Wait/Repetition/Main/cyclic timing (spec.md §4.3, §6
// "service-discovery {...}").
type ServiceDiscovery struct {
	Enabled              bool          `yaml:"enabled"`
	Multicast            string        `yaml:"multicast"`
	Port                 uint16        `yaml:"port"`
	Protocol             string        `yaml:"protocol"`
	InitialDelayMin      time.Duration `yaml:"initial-delay-min"`
	InitialDelayMax      time.Duration `yaml:"initial-delay-max"`
	RepetitionsBaseDelay time.Duration `yaml:"repetitions-base-delay"`
	RepetitionsMax       int           `yaml:"repetitions-max"`
	TTL                  time.Duration `yaml:"ttl"`
	CyclicOfferDelay     time.Duration `yaml:"cyclic-offer-delay"`
	RequestResponseDelay time.Duration `yaml:"request-response-delay"`
}

// Application describes one local application's client identity and
// dispatcher pool size (spec.md §6 "applications {name, id,
// num-dispatchers}").
type Application struct {
	Name           string `yaml:"name"`
	ID             uint16 `yaml:"id"`
	NumDispatchers int    `yaml:"num-dispatchers"`
}

// document is the raw shape decoded from YAML, matching spec.md §6's
// top-level key schema exactly.
type document struct {
	Unicast          string           `yaml:"unicast"`
	Logging          Logging          `yaml:"logging"`
	SomeIP           SomeIP           `yaml:"someip"`
	Services         []Service        `yaml:"services"`
	Routing          Routing          `yaml:"routing"`
	ServiceDiscovery ServiceDiscovery `yaml:"service-discovery"`
	Applications     []Application    `yaml:"applications"`
}

// serviceKey is the (service, instance) lookup key spec.md §4.5
// requires to be constant-time amortized.
type serviceKey struct {
	serviceID, instanceID uint16
}

// Config is the immutable view every component queries after startup.
// There is no reload/invalidation path (see DESIGN.md's Open Question
// resolution); a changed file requires a process restart.
type Config struct {
	doc document

	servicesByKey map[serviceKey]Service
	appsByName    map[string]Application
}

// Load reads and parses a YAML configuration file, returning
// ERR_CONFIG-class errors (wrapped, checked with errors.Is via the
// caller's own sentinel where applicable) for anything malformed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from an in-memory YAML document, applying
// defaults for service-discovery timing fields left unset.
func Parse(data []byte) (*Config, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	doc.ServiceDiscovery.applyDefaults()

	c := &Config{
		doc:           doc,
		servicesByKey: make(map[serviceKey]Service, len(doc.Services)),
		appsByName:    make(map[string]Application, len(doc.Applications)),
	}
	for _, s := range doc.Services {
		c.servicesByKey[serviceKey{s.ServiceID, s.InstanceID}] = s
	}
	for _, a := range doc.Applications {
		c.appsByName[a.Name] = a
	}
	return c, nil
}

func (sd *ServiceDiscovery) applyDefaults() {
	if sd.Multicast == "" {
		sd.Multicast = "224.224.224.0"
	}
	if sd.Port == 0 {
		sd.Port = 30490
	}
	if sd.InitialDelayMax == 0 {
		sd.InitialDelayMax = 3000 * time.Millisecond
	}
	if sd.RepetitionsBaseDelay == 0 {
		sd.RepetitionsBaseDelay = 10 * time.Millisecond
	}
	if sd.RepetitionsMax == 0 {
		sd.RepetitionsMax = 3
	}
	if sd.TTL == 0 {
		sd.TTL = 5 * time.Second
	}
	if sd.CyclicOfferDelay == 0 {
		sd.CyclicOfferDelay = 1000 * time.Millisecond
	}
	if sd.RequestResponseDelay == 0 {
		sd.RequestResponseDelay = 2000 * time.Millisecond
	}
}

// Unicast returns the process's own unicast address.
func (c *Config) Unicast() string { return c.doc.Unicast }

// Logging returns the logging configuration.
func (c *Config) Logging() Logging { return c.doc.Logging }

// SomeIP returns the SOME/IP-layer size ceilings.
func (c *Config) SomeIP() SomeIP { return c.doc.SomeIP }

// Routing returns the routing-host election configuration.
func (c *Config) Routing() Routing { return c.doc.Routing }

// ServiceDiscovery returns the SD engine's configuration, defaults
// already applied.
func (c *Config) ServiceDiscovery() ServiceDiscovery { return c.doc.ServiceDiscovery }

// Service looks up one service instance's configuration in constant
// time. ok is false if no entry matches.
func (c *Config) Service(serviceID, instanceID uint16) (Service, bool) {
	s, ok := c.servicesByKey[serviceKey{serviceID, instanceID}]
	return s, ok
}

// Services returns every configured service instance.
func (c *Config) Services() []Service { return c.doc.Services }

// Application looks up one named application's client identity.
func (c *Config) Application(name string) (Application, bool) {
	a, ok := c.appsByName[name]
	return a, ok
}

// MaxReliableSize returns the configured TCP message-size ceiling for
// (address, port), or 0 (no limit enforced) if unconfigured.
func (c *Config) MaxReliableSize(address string, port uint16) int {
	for _, m := range c.doc.SomeIP.MessageSizes {
		if m.Address == address && m.Port == port {
			return m.Max
		}
	}
	return 0
}
