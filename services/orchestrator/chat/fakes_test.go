// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/filecache"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/files"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/store"
)

const testModel = "gemini-2.5-flash"

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.Open(context.Background(), store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMetrics() *observability.ChatMetrics {
	return observability.NewChatMetrics(prometheus.NewRegistry())
}

// =============================================================================
// Model
// =============================================================================

// scriptedAgent replays chunks and records what it was asked.
type scriptedAgent struct {
	thinking bool
	chunks   []llm.Chunk
	err      error
	usage    *llm.Usage

	// before runs at the start of ChatStream.
	before func()

	mu       sync.Mutex
	key      string
	requests []llm.AgentRequest
}

func (a *scriptedAgent) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsThinking: a.thinking, RequiresCredential: true}
}

func (a *scriptedAgent) SetCredential(key *memguard.Enclave) {
	if key == nil {
		return
	}
	buf, err := key.Open()
	if err != nil {
		return
	}
	defer buf.Destroy()
	a.mu.Lock()
	a.key = string(buf.Bytes())
	a.mu.Unlock()
}

func (a *scriptedAgent) ChatStream(ctx context.Context, req llm.AgentRequest, emit func(llm.Chunk) error) (*llm.Usage, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.before != nil {
		a.before()
	}
	for _, c := range a.chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := emit(c); err != nil {
			return nil, err
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.usage, nil
}

func (a *scriptedAgent) calls() []llm.AgentRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.AgentRequest(nil), a.requests...)
}

func newTestGateway(agent llm.Agent, defaultKey string) *llm.Gateway {
	keys := map[llm.Family]string{}
	if defaultKey != "" {
		keys[llm.FamilyGemini] = defaultKey
	}
	return llm.NewGateway(llm.Config{DefaultKeys: keys}, nil,
		llm.WithAgentFactory(llm.FamilyGemini, func(llm.ModelSpec) (llm.Agent, error) { return agent, nil }))
}

// =============================================================================
// Files
// =============================================================================

// mapFetcher serves files from memory. Refs in failing return an error.
type mapFetcher struct {
	mu      sync.Mutex
	objects map[string]*files.Object
	failing map[string]error
	fetched map[string]int
}

func newMapFetcher() *mapFetcher {
	return &mapFetcher{
		objects: map[string]*files.Object{},
		failing: map[string]error{},
		fetched: map[string]int{},
	}
}

func (f *mapFetcher) add(ref, contentType, body string) {
	f.objects[ref] = &files.Object{Data: []byte(body), ContentType: contentType}
}

func (f *mapFetcher) fail(ref string, err error) { f.failing[ref] = err }

func (f *mapFetcher) Fetch(_ context.Context, ref string) (*files.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[ref]++
	if err, ok := f.failing[ref]; ok {
		return nil, err
	}
	obj, ok := f.objects[ref]
	if !ok {
		return nil, errors.New("no such object")
	}
	return obj, nil
}

func (f *mapFetcher) count(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[ref]
}

// memCache is a map-backed filecache.Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]filecache.Entry
	getErr  error
}

func newMemCache() *memCache { return &memCache{entries: map[string]filecache.Entry{}} }

func (c *memCache) Get(_ context.Context, ref string) (filecache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return filecache.Entry{}, false, c.getErr
	}
	e, ok := c.entries[ref]
	return e, ok, nil
}

func (c *memCache) Put(_ context.Context, ref string, e filecache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = e
	return nil
}

func (c *memCache) Close() error { return nil }

func newTestLoader(fetcher files.Fetcher, cache filecache.Cache) *FileLoader {
	return NewFileLoader(fetcher, files.NewValidator(nil, 0), &files.Extractor{}, cache, newTestMetrics(), nil)
}

// =============================================================================
// Telemetry
// =============================================================================

// recordingActivity keeps every record. onRecord runs before the append.
type recordingActivity struct {
	mu       sync.Mutex
	records  []extensions.ActivityRecord
	onRecord func(extensions.ActivityRecord)
}

func (r *recordingActivity) Record(_ context.Context, rec extensions.ActivityRecord) {
	if r.onRecord != nil {
		r.onRecord(rec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingActivity) all() []extensions.ActivityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]extensions.ActivityRecord(nil), r.records...)
}

type perfEvent struct {
	start   extensions.PerformanceContext
	outcome *extensions.PerformanceOutcome
	ends    int
}

// recordingPerf keeps every start and end.
type recordingPerf struct {
	mu     sync.Mutex
	events []*perfEvent
}

func (r *recordingPerf) Start(_ context.Context, pc extensions.PerformanceContext) extensions.PerformanceHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev := &perfEvent{start: pc}
	r.events = append(r.events, ev)
	return &perfHandle{r: r, ev: ev}
}

func (r *recordingPerf) all() []perfEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]perfEvent, len(r.events))
	for i, ev := range r.events {
		out[i] = *ev
	}
	return out
}

type perfHandle struct {
	r  *recordingPerf
	ev *perfEvent
}

func (h *perfHandle) End(_ context.Context, outcome extensions.PerformanceOutcome) {
	h.r.mu.Lock()
	defer h.r.mu.Unlock()
	h.ev.ends++
	h.ev.outcome = &outcome
}

// =============================================================================
// Stores
// =============================================================================

// fixedTitles names every chat the same.
type fixedTitles string

func (f fixedTitles) Generate(context.Context, string) string { return string(f) }

// failingArtifacts fails every artifact read.
type failingArtifacts struct{}

func (failingArtifacts) GetArtifactVersions(context.Context, string) ([]datatypes.Artifact, error) {
	return nil, errors.New("artifact index offline")
}

func (failingArtifacts) GetLatestArtifact(context.Context, string) (*datatypes.Artifact, error) {
	return nil, errors.New("artifact index offline")
}

// failingSaves wraps a store and fails SaveMessages.
type failingSaves struct {
	*store.SQLStore
}

func (failingSaves) SaveMessages(context.Context, []datatypes.Message) error {
	return errors.New("disk full")
}

func userMessage(chatID, id, text string, atts ...datatypes.Attachment) datatypes.Message {
	if atts == nil {
		atts = []datatypes.Attachment{}
	}
	return datatypes.Message{
		ID:          id,
		ChatID:      chatID,
		Role:        datatypes.RoleUser,
		Parts:       []datatypes.Part{datatypes.TextPart(text)},
		Attachments: atts,
		CreatedAt:   time.Now().UTC(),
	}
}
