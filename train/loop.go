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

package train

import (
	"sort"
	"time"

	"github.com/gomlx/dtensor/engines"
	"github.com/gomlx/dtensor/optimizers"
	"github.com/pkg/errors"
)

// StepMetrics is what one training step produced, passed to OnStep and OnEnd hooks.
type StepMetrics struct {
	Step     int
	Loss     float64
	Duration time.Duration
}

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, metrics StepMetrics) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop, metrics StepMetrics) error

type hookWithName[F any] struct {
	name string
	fn   F
}

// Loop runs a training loop over a parallelized model: every step draws the
// deterministic batch for the current step, runs Forward/Backward through the
// engine and applies the optimizer, calling the appropriate hooks.
//
// In itself it doesn't do much, but one can attach functionality to it, like
// progress reporting (see the commandline sub-package). The public attributes are
// meant for reading only.
type Loop struct {
	// Model is the sharded handle being trained.
	Model engines.Sharded

	// Optimizer applied after each backward pass.
	Optimizer optimizers.Interface

	// Source yields the batch of each step.
	Source *BatchSource

	// LoopStep currently being executed. Defaults to 0.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run. If RunSteps is
	// called multiple times, StartStep is reset to the last LoopStep of the
	// previous run.
	StartStep int

	// EndStep is one-past the last step of the current run.
	EndStep int

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart []hookWithName[OnStartFn]
	onStep  []hookWithName[OnStepFn]
	onEnd   []hookWithName[OnEndFn]
}

// NewLoop creates a training loop over the given model, optimizer and batch source.
func NewLoop(model engines.Sharded, optimizer optimizers.Interface, source *BatchSource) (*Loop, error) {
	if model == nil || optimizer == nil || source == nil {
		return nil, errors.New("train.NewLoop: model, optimizer and source must all be given")
	}
	return &Loop{Model: model, Optimizer: optimizer, Source: source}, nil
}

// OnStart registers a hook called once before the first step of a run.
func (loop *Loop) OnStart(name string, fn OnStartFn) {
	loop.onStart = append(loop.onStart, hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep registers a hook called after every training step.
func (loop *Loop) OnStep(name string, fn OnStepFn) {
	loop.onStep = append(loop.onStep, hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd registers a hook called once after the last step of a run.
func (loop *Loop) OnEnd(name string, fn OnEndFn) {
	loop.onEnd = append(loop.onEnd, hookWithName[OnEndFn]{name: name, fn: fn})
}

// RunSteps runs numSteps training steps and returns the metrics of the last one.
func (loop *Loop) RunSteps(numSteps int) (StepMetrics, error) {
	var last StepMetrics
	if numSteps < 0 {
		return last, errors.Errorf("train.RunSteps(%d): number of steps cannot be negative", numSteps)
	}
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.StartStep + numSteps

	for _, hook := range loop.onStart {
		if err := hook.fn(loop); err != nil {
			return last, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	// The optimizer sees the engine's local parameter shards.
	params := loop.Model.Parameters()
	optParams := make([]optimizers.Parameter, len(params))
	for i, p := range params {
		optParams[i] = p
	}

	for ; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		startTime := time.Now()
		batch := loop.Source.BatchForStep(loop.LoopStep)
		loss, err := loop.Model.Forward(batch)
		if err != nil {
			return last, errors.WithMessagef(err, "forward of step %d", loop.LoopStep)
		}
		if err := loop.Model.Backward(); err != nil {
			return last, errors.WithMessagef(err, "backward of step %d", loop.LoopStep)
		}
		if err := loop.Optimizer.Step(optParams); err != nil {
			return last, errors.WithMessagef(err, "optimizer step %d", loop.LoopStep)
		}
		elapsed := time.Since(startTime)
		loop.TrainStepDurations = append(loop.TrainStepDurations, elapsed)
		last = StepMetrics{Step: loop.LoopStep, Loss: loss, Duration: elapsed}
		for _, hook := range loop.onStep {
			if err := hook.fn(loop, last); err != nil {
				return last, errors.WithMessagef(err, "OnStep(hook %q) at step %d", hook.name, loop.LoopStep)
			}
		}
	}

	for _, hook := range loop.onEnd {
		if err := hook.fn(loop, last); err != nil {
			return last, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return last, nil
}

// MedianTrainStepDuration returns the median duration of the steps run so far,
// which is more robust than the mean against the first (warm-up) steps.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return 0
	}
	durations := append([]time.Duration(nil), loop.TrainStepDurations...)
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	return durations[len(durations)/2]
}
