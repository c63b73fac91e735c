// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package activity

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// DefaultMeasurement is the InfluxDB measurement for model invocations.
const DefaultMeasurement = "chat_model_invocations"

// InfluxConfig selects the InfluxDB bucket performance records go to.
type InfluxConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// InfluxSink writes one point per model invocation.
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInfluxSink connects lazily; nothing is sent until the first write.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("influx sink: url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influx sink: org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = DefaultMeasurement
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}, nil
}

// WritePerformance writes rec. Numeric, boolean and string metadata values
// become fields; anything else is skipped.
func (s *InfluxSink) WritePerformance(ctx context.Context, rec extensions.PerformanceRecord) error {
	p := influxdb2.NewPointWithMeasurement(s.measurement).
		AddTag("agent_type", rec.AgentType).
		AddTag("operation", rec.Operation).
		AddTag("model", rec.ModelID).
		AddTag("thinking", strconv.FormatBool(rec.ThinkingMode)).
		AddTag("success", strconv.FormatBool(rec.Success)).
		AddField("duration_ms", float64(rec.Duration.Microseconds())/1000).
		AddField("correlation_id", rec.CorrelationID.String()).
		AddField("user_id", rec.UserID).
		AddField("resource_id", rec.ResourceID).
		SetTime(rec.StartedAt)
	if rec.ResourceType != "" {
		p.AddTag("resource_type", rec.ResourceType)
	}
	if rec.ErrorMessage != "" {
		p.AddField("error", rec.ErrorMessage)
	}
	for k, v := range rec.Metadata {
		switch v.(type) {
		case int, int32, int64, float32, float64, bool, string:
			p.AddField(k, v)
		}
	}
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write %s point: %w", s.measurement, err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

var _ PerformanceSink = (*InfluxSink)(nil)
