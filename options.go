// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package gojabridge

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/joeycumines/logiface"
)

// instanceOptions holds configuration options for Instance creation.
type instanceOptions struct {
	logger        *logiface.Logger[logiface.Event]
	runtime       *goja.Runtime
	queueCapacity int
	workers       int64
	fatalHandler  func(reason goja.Value)
}

// --- Instance Options ---

// InstanceOption configures an Instance.
type InstanceOption interface {
	applyInstance(*instanceOptions) error
}

// instanceOptionImpl implements InstanceOption.
type instanceOptionImpl struct {
	applyInstanceFunc func(*instanceOptions) error
}

func (o *instanceOptionImpl) applyInstance(opts *instanceOptions) error {
	return o.applyInstanceFunc(opts)
}

// WithLogger attaches a structured logger to the instance and its loop.
// A nil logger disables logging (logiface loggers are nil-safe).
func WithLogger(logger *logiface.Logger[logiface.Event]) InstanceOption {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithRuntime supplies a pre-configured goja runtime instead of a fresh one.
// The runtime must not be used from any other goroutine once the instance is
// created; the loop goroutine becomes its sole owner.
func WithRuntime(rt *goja.Runtime) InstanceOption {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		if rt == nil {
			return fmt.Errorf("gojabridge: WithRuntime requires a non-nil runtime")
		}
		opts.runtime = rt
		return nil
	}}
}

// WithQueueCapacity bounds the loop's ingress queue. Blocking submissions
// wait for space; non-blocking submissions fail with ErrQueueFull. Zero
// (the default) means unbounded.
func WithQueueCapacity(n int) InstanceOption {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		if n < 0 {
			return fmt.Errorf("gojabridge: queue capacity must be >= 0, got %d", n)
		}
		opts.queueCapacity = n
		return nil
	}}
}

// WithWorkers bounds the async work pool to n concurrently executing works.
// Zero (the default) selects a small multiple of GOMAXPROCS.
func WithWorkers(n int) InstanceOption {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		if n < 0 {
			return fmt.Errorf("gojabridge: worker count must be >= 0, got %d", n)
		}
		opts.workers = int64(n)
		return nil
	}}
}

// WithFatalHandler overrides the handler invoked for fatal exceptions, i.e.
// rejections the failure boundary could not deliver anywhere else. The
// default handler logs at critical level and aborts the process.
func WithFatalHandler(fn func(reason goja.Value)) InstanceOption {
	return &instanceOptionImpl{func(opts *instanceOptions) error {
		opts.fatalHandler = fn
		return nil
	}}
}

// resolveInstanceOptions applies InstanceOption instances to instanceOptions.
func resolveInstanceOptions(opts []InstanceOption) (*instanceOptions, error) {
	cfg := &instanceOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue // Skip nil options gracefully
		}
		if err := opt.applyInstance(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
