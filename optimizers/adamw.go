/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package optimizers

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

const (
	// AdamWDefaultLearningRate is used by AdamW if no learning rate is set.
	AdamWDefaultLearningRate = 0.001
)

// AdamW optimization is Adam — stochastic gradient descent with adaptive
// estimation of first and second order moments, see
// [Kingma et al., 2014](http://arxiv.org/abs/1412.6980) — with decoupled weight
// decay as described in [Loshchilov, Hutter, 2017](https://arxiv.org/abs/1711.05101).
//
// It returns a configuration object; set its parameters and call Done to get an
// optimizers.Interface.
func AdamW() *AdamWConfig {
	return &AdamWConfig{
		learningRate: AdamWDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamWConfig holds the configuration for an AdamW optimizer, create it with
// AdamW() and once configured call Done.
type AdamWConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. It defaults to AdamWDefaultLearningRate.
func (c *AdamWConfig) LearningRate(value float64) *AdamWConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays). They default
// to 0.9 and 0.999.
func (c *AdamWConfig) Betas(beta1, beta2 float64) *AdamWConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamWConfig) Epsilon(epsilon float64) *AdamWConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay sets the decoupled weight decay. Default is 0, plain Adam.
func (c *AdamWConfig) WeightDecay(weightDecay float64) *AdamWConfig {
	c.weightDecay = weightDecay
	return c
}

// Done validates the configuration and returns the optimizer. It panics on
// nonsensical hyperparameters, those are static configuration errors.
func (c *AdamWConfig) Done() Interface {
	if !(c.learningRate > 0) {
		exceptions.Panicf("optimizers.AdamW: learning rate must be positive, got %g", c.learningRate)
	}
	if !(c.beta1 >= 0 && c.beta1 < 1) || !(c.beta2 >= 0 && c.beta2 < 1) {
		exceptions.Panicf("optimizers.AdamW: betas must be in [0, 1), got %g and %g", c.beta1, c.beta2)
	}
	if !(c.epsilon > 0) {
		exceptions.Panicf("optimizers.AdamW: epsilon must be positive, got %g", c.epsilon)
	}
	if !(c.weightDecay >= 0) {
		exceptions.Panicf("optimizers.AdamW: weight decay must be non-negative, got %g", c.weightDecay)
	}
	return &adamW{config: *c, moments: make(map[string]*adamWMoments)}
}

// adamWMoments is the per-parameter optimizer state.
type adamWMoments struct {
	m, v []float32
}

type adamW struct {
	config  AdamWConfig
	steps   int
	moments map[string]*adamWMoments
}

// Step implements Interface.
func (o *adamW) Step(params []Parameter) error {
	o.steps++
	t := float64(o.steps)
	cfg := &o.config

	// Bias-corrected step size.
	stepSize := cfg.learningRate *
		math.Sqrt(1-math.Pow(cfg.beta2, t)) / (1 - math.Pow(cfg.beta1, t))

	for _, param := range params {
		value, grad := param.Value(), param.Grad()
		if len(value) != len(grad) {
			return errors.Errorf("parameter %q has %d values but %d gradients",
				param.Path(), len(value), len(grad))
		}
		state, found := o.moments[param.Path()]
		if !found {
			state = &adamWMoments{
				m: make([]float32, len(value)),
				v: make([]float32, len(value)),
			}
			o.moments[param.Path()] = state
		}
		if len(state.m) != len(value) {
			return errors.Errorf("parameter %q changed size from %d to %d between steps",
				param.Path(), len(state.m), len(value))
		}
		for i, g64 := range grad {
			g := float64(g64)
			m := float64(state.m[i])*cfg.beta1 + g*(1-cfg.beta1)
			v := float64(state.v[i])*cfg.beta2 + g*g*(1-cfg.beta2)
			state.m[i] = float32(m)
			state.v[i] = float32(v)
			update := stepSize * m / (math.Sqrt(v) + cfg.epsilon)
			newValue := float64(value[i])
			if cfg.weightDecay > 0 {
				newValue -= cfg.learningRate * cfg.weightDecay * newValue
			}
			value[i] = float32(newValue - update)
		}
	}
	return nil
}

// Clear implements Interface.
func (o *adamW) Clear() {
	o.steps = 0
	o.moments = make(map[string]*adamWMoments)
}
