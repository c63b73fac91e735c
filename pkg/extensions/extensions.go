// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable collaborators of the chat
// orchestrator: identity, activity telemetry and performance tracking.
//
// Every interface has a no-op default so the service runs standalone.
// Deployments swap in real implementations through ServiceOptions.
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(myProvider).
//	    WithActivity(recorder)
//	svc, err := orchestrator.New(cfg, &opts)
package extensions

// ServiceOptions bundles the extension points consumed by orchestrator.New.
//
// A nil ServiceOptions or a nil field means "use the default".
type ServiceOptions struct {
	AuthProvider       AuthProvider
	ActivityRecorder   ActivityRecorder
	PerformanceTracker PerformanceTracker
}

// DefaultOptions returns no-op implementations for every extension point.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:       &NopAuthProvider{},
		ActivityRecorder:   NopActivityRecorder{},
		PerformanceTracker: NopPerformanceTracker{},
	}
}

// WithAuth returns a copy with the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithActivity returns a copy with the given activity recorder.
func (opts ServiceOptions) WithActivity(recorder ActivityRecorder) ServiceOptions {
	opts.ActivityRecorder = recorder
	return opts
}

// WithPerformance returns a copy with the given performance tracker.
func (opts ServiceOptions) WithPerformance(tracker PerformanceTracker) ServiceOptions {
	opts.PerformanceTracker = tracker
	return opts
}

// Merge fills nil fields of opts from DefaultOptions.
func (opts ServiceOptions) Merge() ServiceOptions {
	def := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = def.AuthProvider
	}
	if opts.ActivityRecorder == nil {
		opts.ActivityRecorder = def.ActivityRecorder
	}
	if opts.PerformanceTracker == nil {
		opts.PerformanceTracker = def.PerformanceTracker
	}
	return opts
}
