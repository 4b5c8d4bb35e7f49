package engines

import (
	"testing"

	"github.com/gomlx/dtensor/mesh"
	"github.com/gomlx/dtensor/nn"
	"github.com/gomlx/dtensor/plan"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine implements Engine for registry tests only.
type fakeEngine struct {
	name   string
	config string
}

func (e *fakeEngine) Name() string        { return e.name }
func (e *fakeEngine) Description() string { return "fake engine for tests" }
func (e *fakeEngine) NumDevices() int     { return 1 }
func (e *fakeEngine) Finalize()           {}

func (e *fakeEngine) Parallelize(model *nn.Module, m *mesh.DeviceMesh, dim string, p *plan.Plan) (Sharded, error) {
	return nil, errors.New("not implemented")
}

func (e *fakeEngine) FullyShard(s Sharded, dim string) (Sharded, error) {
	return nil, errors.New("not implemented")
}

func registerFake(name string) {
	Register(name, func(config string) (Engine, error) {
		if config == "fail" {
			return nil, errors.New("asked to fail")
		}
		return &fakeEngine{name: name, config: config}, nil
	})
}

func TestRegistry(t *testing.T) {
	registerFake("alpha")
	registerFake("beta")

	engine, err := NewWithConfig("beta:some-config")
	require.NoError(t, err)
	assert.Equal(t, "beta", engine.Name())
	assert.Equal(t, "some-config", engine.(*fakeEngine).config)

	// Empty config selects the first registered engine.
	engine, err = NewWithConfig("")
	require.NoError(t, err)
	assert.Equal(t, "alpha", engine.Name())

	// A bare name (no colon) is also accepted.
	engine, err = NewWithConfig("beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", engine.Name())

	_, err = NewWithConfig("unknown:")
	require.Error(t, err)

	_, err = NewWithConfig("alpha:fail")
	require.Error(t, err)
}

func TestNewFromEnv(t *testing.T) {
	registerFake("gamma")
	t.Setenv(ConfigEnvVar, "gamma:from-env")
	engine, err := New()
	require.NoError(t, err)
	assert.Equal(t, "gamma", engine.Name())
	assert.Equal(t, "from-env", engine.(*fakeEngine).config)
}
