// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"context"
	"fmt"
)

// The built-in procedures are assembled from injected functions rather
// than concrete pool or pipeline types, so this package stays free of
// domain imports and the pieces swap out cleanly in tests.

// ReinitFunc tears down and re-establishes one backend connection.
type ReinitFunc func(ctx context.Context) error

// VerifyFunc round-trips the re-established connection once.
type VerifyFunc func(ctx context.Context) error

// ConnectionProcedure builds the standard connection recovery procedure:
// reinitialize the backend, then verify it with a live round trip. The
// round trip is what distinguishes "dialed" from "actually serving".
func ConnectionProcedure(reinit ReinitFunc, verify VerifyFunc) Procedure {
	return func(ctx context.Context, rc ProcedureContext) error {
		cc, ok := rc.(ConnectionContext)
		if !ok {
			return fmt.Errorf("connection procedure needs ConnectionContext, got %T", rc)
		}
		if err := reinit(ctx); err != nil {
			return fmt.Errorf("reinitialize %s: %w", cc.Kind, err)
		}
		if err := verify(ctx); err != nil {
			return fmt.Errorf("verify %s: %w", cc.Kind, err)
		}
		return nil
	}
}

// ResetStatusFunc marks a pipeline eligible to run again.
type ResetStatusFunc func(ctx context.Context, pipelineID string) error

// RestartFunc starts a pipeline run.
type RestartFunc func(ctx context.Context, pipelineID string) error

// PipelineProcedure builds the standard pipeline recovery procedure:
// reset the pipeline's persisted status, then start a fresh run.
func PipelineProcedure(resetStatus ResetStatusFunc, restart RestartFunc) Procedure {
	return func(ctx context.Context, rc ProcedureContext) error {
		pc, ok := rc.(PipelineContext)
		if !ok {
			return fmt.Errorf("pipeline procedure needs PipelineContext, got %T", rc)
		}
		if err := resetStatus(ctx, pc.PipelineID); err != nil {
			return fmt.Errorf("reset pipeline %s: %w", pc.PipelineID, err)
		}
		if err := restart(ctx, pc.PipelineID); err != nil {
			return fmt.Errorf("restart pipeline %s: %w", pc.PipelineID, err)
		}
		return nil
	}
}
