package engines

import (
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Constructor takes an engine-specific config string (possibly empty) and returns
// an Engine.
type Constructor func(config string) (Engine, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine under the given name, with a constructor that receives the
// configuration string from NewWithConfig.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the engine configuration to use if the environment variable is
// not set. See NewWithConfig for the format.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default engine configuration.
//
// The format of the configuration is "<engine_name>:<engine_configuration>", where
// "<engine_name>" is the name of a registered engine (e.g. "simplemesh") and
// "<engine_configuration>" is engine specific.
const ConfigEnvVar = "DTENSOR_ENGINE"

// New returns a new Engine using the default configuration:
//
//  1. The environment variable DTENSOR_ENGINE, if set.
//  2. The variable DefaultConfig, if not empty.
//  3. The first registered engine, with an empty configuration.
//
// It returns an error if no engine was registered.
func New() (Engine, error) {
	if config, found := os.LookupEnv(ConfigEnvVar); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates the engine selected by a "<engine_name>:<engine_configuration>"
// string. An empty engine name selects the first registered engine.
func NewWithConfig(config string) (Engine, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered engines for dtensor -- maybe import the simulation one with import _ "github.com/gomlx/dtensor/engines/simplemesh"?`)
	}
	engineName := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		if config[:idx] != "" {
			engineName = config[:idx]
		}
		engineConfig = config[idx+1:]
	} else if config != "" {
		engineName = config
		engineConfig = ""
	}
	constructor, found := registeredConstructors[engineName]
	if !found {
		return nil, errors.Errorf("can't find engine %q for configuration %q given", engineName, config)
	}
	engine, err := constructor(engineConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating engine %q", engineName)
	}
	return engine, nil
}
