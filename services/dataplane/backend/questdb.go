// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
)

// QuestDBConfig configures the timeseries adapter.
//
// QuestDB accepts influx line protocol over HTTP, so the adapter speaks to
// it through the influxdb client. Token is optional and empty for a default
// QuestDB deployment.
type QuestDBConfig struct {
	// URL is the ILP/HTTP endpoint, e.g. "http://questdb:9000".
	URL   string
	Token string

	// Org and Bucket name the line-protocol write target. QuestDB ignores
	// the org; the bucket maps to the table namespace.
	Org    string
	Bucket string
}

// QuestDBAdapter connects the TimeSeries kind to QuestDB.
type QuestDBAdapter struct {
	cfg QuestDBConfig
}

// NewQuestDBAdapter creates the timeseries adapter.
func NewQuestDBAdapter(cfg QuestDBConfig) *QuestDBAdapter {
	return &QuestDBAdapter{cfg: cfg}
}

// Kind reports TimeSeries.
func (a *QuestDBAdapter) Kind() Kind { return TimeSeries }

// Connect builds the ILP client and verifies the endpoint is reachable.
func (a *QuestDBAdapter) Connect(ctx context.Context) (any, error) {
	client := influxdb2.NewClient(a.cfg.URL, a.cfg.Token)
	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ping questdb: %w", err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("questdb at %s not ready", a.cfg.URL)
	}
	return client, nil
}

// Ping verifies the endpoint.
func (a *QuestDBAdapter) Ping(ctx context.Context, session any) error {
	client, ok := session.(influxdb2.Client)
	if !ok {
		return fmt.Errorf("questdb session has unexpected type %T", session)
	}
	ready, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return fmt.Errorf("questdb at %s not ready", a.cfg.URL)
	}
	return nil
}

// Close releases the client and its idle connections.
func (a *QuestDBAdapter) Close(session any) error {
	if client, ok := session.(influxdb2.Client); ok {
		client.Close()
	}
	return nil
}

// Org returns the configured line-protocol org.
func (a *QuestDBAdapter) Org() string { return a.cfg.Org }

// Bucket returns the configured line-protocol bucket.
func (a *QuestDBAdapter) Bucket() string { return a.cfg.Bucket }
